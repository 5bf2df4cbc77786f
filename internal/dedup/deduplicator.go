package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sendcore/backend/internal/actor"
	"sendcore/backend/internal/bloom"
	"sendcore/backend/internal/domain"
	"sendcore/backend/internal/events"
	"sendcore/backend/internal/fuzzy"
	"sendcore/backend/internal/monitoring"
	"sendcore/backend/internal/storage"
)

// StateKey 去重状态在存储中的 key
const StateKey = "dedup"

// 匹配置信度
const (
	ConfidenceExact = "exact"
	ConfidenceHigh  = "high"
	ConfidenceFuzzy = "fuzzy"
)

// highSimilarity 模糊匹配达到该相似度时报告为 high
const highSimilarity = 0.95

// Options 去重器配置
type Options struct {
	Window         time.Duration
	BloomBits      uint64
	BloomHashes    int
	FuzzyThreshold float64
	Now            func() time.Time
	Logger         *zap.Logger
	Metrics        *monitoring.Metrics
	Events         events.Emitter
}

// CheckResult check 的结果
type CheckResult struct {
	IsDuplicate bool                        `json:"isDuplicate"`
	Confidence  string                      `json:"confidence,omitempty"`
	Hash        string                      `json:"hash"`
	Similarity  float64                     `json:"similarity,omitempty"`
	Match       *domain.ProspectFingerprint `json:"match,omitempty"`
}

// RegisterResult register 的结果
type RegisterResult struct {
	ID      string `json:"id"`
	Hash    string `json:"hash"`
	Created bool   `json:"created"`
}

// CleanupResult cleanup 的结果
type CleanupResult struct {
	Removed   int `json:"removed"`
	Remaining int `json:"remaining"`
}

// Stats 去重统计
type Stats struct {
	Fingerprints       int            `json:"fingerprints"`
	BySource           map[string]int `json:"bySource"`
	BloomBits          uint64         `json:"bloomBits"`
	BloomHashes        int            `json:"bloomHashes"`
	BloomInsertions    uint64         `json:"bloomInsertions"`
	BloomFillRatio     float64        `json:"bloomFillRatio"`
	EstimatedFalseRate float64        `json:"estimatedFalsePositiveRate"`
	WindowSeconds      int64          `json:"windowSeconds"`
	LastCleanup        *time.Time     `json:"lastCleanup,omitempty"`
}

type dedupState struct {
	Fingerprints map[string]*domain.ProspectFingerprint `json:"fingerprints"` // hash -> fingerprint
	Bloom        []byte                                 `json:"bloom,omitempty"`
	BloomHashes  int                                    `json:"bloomHashes,omitempty"`
	BloomCount   uint64                                 `json:"bloomCount,omitempty"`
	LastCleanup  *time.Time                             `json:"lastCleanup,omitempty"`
}

func newDedupState() *dedupState {
	return &dedupState{Fingerprints: make(map[string]*domain.ProspectFingerprint)}
}

// Deduplicator 指纹去重器
//
// 布隆过滤器做廉价预检，之后依次做精确查找和同城模糊匹配。
// 布隆过滤器只增不删，cleanup 时按保留的指纹整体重建。
type Deduplicator struct {
	mu     sync.Mutex
	state  *actor.State[dedupState]
	filter *bloom.Filter

	window    time.Duration
	bits      uint64
	hashes    int
	threshold float64
	now       func() time.Time
	log       *zap.Logger
	metrics   *monitoring.Metrics
	events    events.Emitter
}

// New 创建去重器
func New(store storage.StateStore, opts Options) *Deduplicator {
	if opts.Window <= 0 {
		opts.Window = 7 * 24 * time.Hour
	}
	if opts.BloomBits == 0 {
		opts.BloomBits = 1 << 20
	}
	if opts.BloomHashes <= 0 {
		opts.BloomHashes = 7
	}
	if opts.FuzzyThreshold <= 0 || opts.FuzzyThreshold >= 1 {
		opts.FuzzyThreshold = 0.85
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}

	return &Deduplicator{
		state:     actor.NewState(store, StateKey, newDedupState),
		window:    opts.Window,
		bits:      opts.BloomBits,
		hashes:    opts.BloomHashes,
		threshold: opts.FuzzyThreshold,
		now:       opts.Now,
		log:       opts.Logger.Named("dedup"),
		metrics:   opts.Metrics,
		events:    opts.Events,
	}
}

// Check 判断潜在客户是否重复
func (d *Deduplicator) Check(ctx context.Context, name, city, source string) (*CheckResult, error) {
	normName, normCity, err := normalize(name, city)
	if err != nil {
		return nil, err
	}
	key := Key(normName, normCity)

	d.mu.Lock()
	defer d.mu.Unlock()

	st, err := d.load(ctx)
	if err != nil {
		return nil, err
	}

	res := &CheckResult{Hash: key}
	if !d.filter.MightContain(key) {
		d.metrics.RecordDedupCheck("bloom_miss")
		return res, nil
	}

	now := d.now()
	if fp, ok := st.Fingerprints[key]; ok && d.fresh(fp, now) {
		res.IsDuplicate = true
		res.Confidence = ConfidenceExact
		res.Similarity = 1
		res.Match = copyFingerprint(fp)
		d.metrics.RecordDedupCheck(ConfidenceExact)
		return res, nil
	}

	var best *domain.ProspectFingerprint
	bestScore := 0.0
	for hash, fp := range st.Fingerprints {
		if hash == key || fp.City != normCity || !d.fresh(fp, now) {
			continue
		}
		score := fuzzy.Similarity(normName, fp.NormalizedName)
		if score > bestScore || (score == bestScore && best != nil && fp.ID < best.ID) {
			best, bestScore = fp, score
		}
	}

	if best != nil && bestScore > d.threshold {
		res.IsDuplicate = true
		res.Confidence = ConfidenceFuzzy
		if bestScore >= highSimilarity {
			res.Confidence = ConfidenceHigh
		}
		res.Similarity = bestScore
		res.Match = copyFingerprint(best)
		d.log.Debug("fuzzy duplicate",
			zap.String("name", normName),
			zap.String("match", best.NormalizedName),
			zap.String("city", normCity),
			zap.String("source", source),
			zap.Float64("similarity", bestScore))
		d.metrics.RecordDedupCheck(res.Confidence)
		return res, nil
	}

	d.metrics.RecordDedupCheck("unique")
	return res, nil
}

// Register 登记潜在客户指纹（幂等）
//
// 同一 key 再次登记时原地更新来源、关联 ID 和登记时间。
func (d *Deduplicator) Register(ctx context.Context, name, city, source, linkedID string) (*RegisterResult, error) {
	normName, normCity, err := normalize(name, city)
	if err != nil {
		return nil, err
	}
	key := Key(normName, normCity)

	d.mu.Lock()
	defer d.mu.Unlock()

	st, err := d.load(ctx)
	if err != nil {
		return nil, err
	}

	now := d.now().UTC()
	fp, exists := st.Fingerprints[key]
	if exists {
		fp.CreatedAt = now
		if source != "" {
			fp.Source = source
		}
		if linkedID != "" {
			fp.LinkedID = linkedID
		}
	} else {
		fp = &domain.ProspectFingerprint{
			ID:             uuid.NewString(),
			Hash:           key,
			NormalizedName: normName,
			City:           normCity,
			Source:         source,
			LinkedID:       linkedID,
			CreatedAt:      now,
		}
		st.Fingerprints[key] = fp
		d.filter.Add(key)
	}

	if err := d.flush(ctx, "register"); err != nil {
		return nil, err
	}
	d.metrics.UpdateDedupState(len(st.Fingerprints), d.filter.FillRatio())
	return &RegisterResult{ID: fp.ID, Hash: key, Created: !exists}, nil
}

// Exists 精确判断指纹是否在去重窗口内存在
func (d *Deduplicator) Exists(ctx context.Context, name, city string) (bool, error) {
	normName, normCity, err := normalize(name, city)
	if err != nil {
		return false, err
	}
	key := Key(normName, normCity)

	d.mu.Lock()
	defer d.mu.Unlock()

	st, err := d.load(ctx)
	if err != nil {
		return false, err
	}
	if !d.filter.MightContain(key) {
		return false, nil
	}
	fp, ok := st.Fingerprints[key]
	return ok && d.fresh(fp, d.now()), nil
}

// Cleanup 淘汰超出去重窗口的指纹并重建布隆过滤器
func (d *Deduplicator) Cleanup(ctx context.Context) (*CleanupResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, err := d.load(ctx)
	if err != nil {
		return nil, err
	}

	now := d.now()
	removed := 0
	for key, fp := range st.Fingerprints {
		if !d.fresh(fp, now) {
			delete(st.Fingerprints, key)
			removed++
		}
	}
	d.rebuild(st)
	at := now.UTC()
	st.LastCleanup = &at

	if err := d.flush(ctx, "cleanup"); err != nil {
		return nil, err
	}

	res := &CleanupResult{Removed: removed, Remaining: len(st.Fingerprints)}
	d.metrics.UpdateDedupState(res.Remaining, d.filter.FillRatio())
	d.log.Info("dedup cleanup completed", zap.Int("removed", removed), zap.Int("remaining", res.Remaining))
	d.events.Emit(events.New(events.ActorDedup, events.TypeDedupCleanup, "", map[string]any{
		"removed":   removed,
		"remaining": res.Remaining,
	}, now))
	return res, nil
}

// StatsSnapshot 返回去重统计
func (d *Deduplicator) StatsSnapshot(ctx context.Context) (*Stats, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, err := d.load(ctx)
	if err != nil {
		return nil, err
	}

	bySource := make(map[string]int)
	for _, fp := range st.Fingerprints {
		bySource[fp.Source]++
	}
	return &Stats{
		Fingerprints:       len(st.Fingerprints),
		BySource:           bySource,
		BloomBits:          d.filter.Bits(),
		BloomHashes:        d.filter.Hashes(),
		BloomInsertions:    d.filter.Count(),
		BloomFillRatio:     d.filter.FillRatio(),
		EstimatedFalseRate: d.filter.EstimatedFalsePositiveRate(),
		WindowSeconds:      int64(d.window / time.Second),
		LastCleanup:        st.LastCleanup,
	}, nil
}

func (d *Deduplicator) fresh(fp *domain.ProspectFingerprint, now time.Time) bool {
	return now.Sub(fp.CreatedAt) <= d.window
}

// load 加载状态并恢复布隆过滤器；位数或哈希个数与配置不同时按指纹重建
func (d *Deduplicator) load(ctx context.Context) (*dedupState, error) {
	st, err := d.state.Get(ctx)
	if err != nil {
		d.metrics.RecordStorageError(events.ActorDedup, "load")
		d.log.Error("failed to load dedup state", zap.Error(err))
		return nil, err
	}
	if st.Fingerprints == nil {
		st.Fingerprints = make(map[string]*domain.ProspectFingerprint)
	}
	if d.filter != nil {
		return st, nil
	}

	restored := bloom.FromBytes(st.Bloom, st.BloomHashes, st.BloomCount)
	if len(st.Bloom) > 0 && restored.Bits() == bloom.New(d.bits, d.hashes).Bits() && st.BloomHashes == d.hashes {
		d.filter = restored
		return st, nil
	}

	d.rebuild(st)
	if len(st.Fingerprints) > 0 {
		d.log.Info("bloom filter rebuilt from fingerprints", zap.Int("fingerprints", len(st.Fingerprints)))
	}
	return st, nil
}

// rebuild 按当前指纹整体重建布隆过滤器
func (d *Deduplicator) rebuild(st *dedupState) {
	if d.filter == nil {
		d.filter = bloom.New(d.bits, d.hashes)
	} else {
		d.filter.Reset()
	}
	for key := range st.Fingerprints {
		d.filter.Add(key)
	}
}

func (d *Deduplicator) flush(ctx context.Context, op string) error {
	st, err := d.state.Get(ctx)
	if err != nil {
		return err
	}
	st.Bloom = d.filter.Bytes()
	st.BloomHashes = d.filter.Hashes()
	st.BloomCount = d.filter.Count()

	if err := d.state.Flush(ctx); err != nil {
		d.metrics.RecordStorageError(events.ActorDedup, op)
		d.log.Error("failed to persist dedup state", zap.String("op", op), zap.String("key", d.state.Key()), zap.Error(err))
		return err
	}
	return nil
}

func normalize(name, city string) (string, string, error) {
	normName := NormalizeName(name)
	if normName == "" {
		return "", "", fmt.Errorf("%w: name is required", domain.ErrInvalidArgument)
	}
	return normName, NormalizeCity(city), nil
}

func copyFingerprint(fp *domain.ProspectFingerprint) *domain.ProspectFingerprint {
	out := *fp
	return &out
}
