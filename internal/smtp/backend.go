package smtp

import (
	"context"
	"errors"
	"io"
	"net"
	"slices"
	"strings"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"sendcore/backend/internal/domain"
	"sendcore/backend/internal/monitoring"
	"sendcore/backend/internal/warmup"
)

// VERPPrefix 退信地址前缀，完整格式为 bounce+<inboxID>@<domain>
const VERPPrefix = "bounce+"

const maxMessageBytes = 10 << 20 // 10MB

// SelectorBounces 发件身份选择器的退信入口
type SelectorBounces interface {
	RecordBounce(ctx context.Context, id string) (*domain.InboxHealthRecord, error)
}

// WarmupBounces 预热限流器的退信入口
type WarmupBounces interface {
	RecordBounce(ctx context.Context, id string) (*warmup.BounceResult, error)
}

// Options 退信接收配置
type Options struct {
	Domain  string // 为空时接受任意域名
	Limiter *ConnectionLimiter
	Logger  *zap.Logger
	Metrics *monitoring.Metrics
	Timeout time.Duration // 单封退信处理超时
}

// Backend 实现 go-smtp 的 Backend 接口。
//
// 只接收投递到 VERP 退信地址的邮件，其余收件人一律 550 拒绝，
// 不提供任何中继能力。
type Backend struct {
	selector SelectorBounces
	warmup   WarmupBounces
	domain   string
	limiter  *ConnectionLimiter
	log      *zap.Logger
	metrics  *monitoring.Metrics
	timeout  time.Duration
}

// NewBackend 创建 SMTP Backend
func NewBackend(selector SelectorBounces, warmup WarmupBounces, opts Options) *Backend {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Backend{
		selector: selector,
		warmup:   warmup,
		domain:   strings.ToLower(strings.TrimSpace(opts.Domain)),
		limiter:  opts.Limiter,
		log:      log.Named("smtp"),
		metrics:  opts.Metrics,
		timeout:  timeout,
	}
}

// NewServer 创建监听 addr 的退信接收服务器
func NewServer(addr string, be *Backend) *gosmtp.Server {
	s := gosmtp.NewServer(be)
	s.Addr = addr
	s.Domain = be.domain
	if s.Domain == "" {
		s.Domain = "localhost"
	}
	s.ReadTimeout = 30 * time.Second
	s.WriteTimeout = 30 * time.Second
	s.MaxMessageBytes = maxMessageBytes
	s.MaxRecipients = 50
	return s
}

// NewSession 创建新的 SMTP 会话
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	host := remoteHost(c)
	if b.limiter != nil {
		if err := b.limiter.Acquire(host); err != nil {
			b.metrics.RecordRateLimitBlock("smtp")
			b.log.Warn("smtp connection refused", zap.String("remote", host), zap.Error(err))
			return nil, &gosmtp.SMTPError{
				Code:         421,
				EnhancedCode: gosmtp.EnhancedCode{4, 7, 0},
				Message:      err.Error() + ", try again later",
			}
		}
	}
	return &session{backend: b, host: host}, nil
}

// remoteHost 取连接来源 IP，测试中 c 可能为 nil
func remoteHost(c *gosmtp.Conn) string {
	if c == nil || c.Conn() == nil {
		return ""
	}
	addr := c.Conn().RemoteAddr().String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

type session struct {
	backend  *Backend
	host     string
	from     string
	inboxIDs []string
	released bool
}

// Mail 处理 MAIL 命令，退信通常使用空的反向路径
func (s *session) Mail(from string, _ *gosmtp.MailOptions) error {
	s.from = from
	return nil
}

// Rcpt 处理 RCPT 命令，只接受本域名下的 VERP 退信地址
func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	id, ok := s.backend.parseVERP(to)
	if !ok {
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 1},
			Message:      "recipient is not a bounce address",
		}
	}
	// 同一封退信重复列出同一地址时只记一次
	if !slices.Contains(s.inboxIDs, id) {
		s.inboxIDs = append(s.inboxIDs, id)
	}
	return nil
}

// Data 解析退信并同时记入选择器和预热限流器
func (s *session) Data(r io.Reader) error {
	raw, err := io.ReadAll(io.LimitReader(r, maxMessageBytes))
	if err != nil {
		return err
	}

	report, err := ParseDSN(raw)
	if err != nil {
		// 无法解析的邮件仍视为退信，VERP 地址本身已经标识了发件身份
		s.backend.log.Debug("unparseable bounce message", zap.Error(err))
		report = &Report{}
	}

	if !report.Bounced() {
		s.backend.metrics.RecordBounceReceived("ignored")
		s.backend.log.Info("non-fatal delivery notification ignored",
			zap.Strings("inbox_ids", s.inboxIDs),
			zap.String("reason", report.Reason()))
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.backend.timeout)
	defer cancel()

	for _, id := range s.inboxIDs {
		if err := s.backend.record(ctx, id, report); err != nil {
			return &gosmtp.SMTPError{
				Code:         451,
				EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
				Message:      "temporary failure recording bounce",
			}
		}
	}
	return nil
}

// Reset 重置状态
func (s *session) Reset() {
	s.from = ""
	s.inboxIDs = nil
}

// Logout 会话结束，释放连接许可
func (s *session) Logout() error {
	if !s.released && s.backend.limiter != nil {
		s.backend.limiter.Release(s.host)
	}
	s.released = true
	return nil
}

// record 把一次退信写入两个 actor，发件身份未注册时只记录日志
func (b *Backend) record(ctx context.Context, id string, report *Report) error {
	var known bool

	if _, err := b.selector.RecordBounce(ctx, id); err == nil {
		known = true
	} else if !errors.Is(err, domain.ErrNotFound) {
		b.metrics.RecordBounceReceived("error")
		b.log.Error("selector bounce failed", zap.String("inbox_id", id), zap.Error(err))
		return err
	}

	res, err := b.warmup.RecordBounce(ctx, id)
	switch {
	case err == nil:
		known = true
		b.log.Info("bounce recorded",
			zap.String("inbox_id", id),
			zap.String("reason", report.Reason()),
			zap.Float64("bounce_rate", res.BounceRate),
			zap.Int("reputation", res.ReputationScore),
			zap.Bool("paused", res.Paused))
	case !errors.Is(err, domain.ErrNotFound):
		b.metrics.RecordBounceReceived("error")
		b.log.Error("warmup bounce failed", zap.String("inbox_id", id), zap.Error(err))
		return err
	}

	if !known {
		b.metrics.RecordBounceReceived("unknown_inbox")
		b.log.Warn("bounce for unknown inbox", zap.String("inbox_id", id))
		return nil
	}
	b.metrics.RecordBounceReceived("recorded")
	return nil
}

// parseVERP 从 bounce+<id>@<domain> 中取出发件身份 ID
func (b *Backend) parseVERP(addr string) (string, bool) {
	addr = strings.Trim(strings.TrimSpace(addr), "<>")
	at := strings.LastIndex(addr, "@")
	if at <= 0 {
		return "", false
	}
	local, host := addr[:at], strings.ToLower(addr[at+1:])
	if b.domain != "" && host != b.domain {
		return "", false
	}
	if len(local) <= len(VERPPrefix) || !strings.EqualFold(local[:len(VERPPrefix)], VERPPrefix) {
		return "", false
	}
	return local[len(VERPPrefix):], true
}
