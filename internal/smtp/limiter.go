package smtp

import (
	"errors"
	"sync"

	"golang.org/x/time/rate"
)

// 连接被拒绝的原因
var (
	ErrTooManyConnections = errors.New("too many concurrent connections")
	ErrHostBusy           = errors.New("too many connections from host")
	ErrConnectRate        = errors.New("connection rate exceeded")
)

// ConnectionLimiter 退信接收端的连接准入控制
//
// 同时限制总并发、单个来源主机的并发以及新建连接速率，
// 防止单个退信 MTA 重试风暴占满所有槽位。
type ConnectionLimiter struct {
	mu         sync.Mutex
	maxConns   int
	maxPerHost int
	total      int
	hosts      map[string]int
	rate       *rate.Limiter
}

// NewConnectionLimiter 创建连接限流器，单主机上限默认为总上限的一半
func NewConnectionLimiter(maxConns, perSecond int) *ConnectionLimiter {
	if maxConns <= 0 {
		maxConns = 1
	}
	perHost := maxConns / 2
	if perHost < 1 {
		perHost = 1
	}
	burst := perSecond
	if burst < 1 {
		burst = 1
	}
	return &ConnectionLimiter{
		maxConns:   maxConns,
		maxPerHost: perHost,
		hosts:      make(map[string]int),
		rate:       rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

// WithPerHost 设置单个来源主机的并发上限
func (l *ConnectionLimiter) WithPerHost(n int) *ConnectionLimiter {
	if n > 0 {
		l.maxPerHost = n
	}
	return l
}

// Acquire 为来源主机申请一个连接槽位，host 为空表示来源未知
func (l *ConnectionLimiter) Acquire(host string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.total >= l.maxConns {
		return ErrTooManyConnections
	}
	if l.hosts[host] >= l.maxPerHost {
		return ErrHostBusy
	}
	if !l.rate.Allow() {
		return ErrConnectRate
	}

	l.total++
	l.hosts[host]++
	return nil
}

// Release 归还来源主机的连接槽位
func (l *ConnectionLimiter) Release(host string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n, ok := l.hosts[host]
	if !ok {
		return
	}
	if n <= 1 {
		delete(l.hosts, host)
	} else {
		l.hosts[host] = n - 1
	}
	l.total--
}

// Current 当前连接总数
func (l *ConnectionLimiter) Current() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// HostConnections 某个来源主机的当前连接数
func (l *ConnectionLimiter) HostConnections(host string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hosts[host]
}
