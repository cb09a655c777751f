package bridge

import (
	"errors"
	"sync"
)

var ErrPortClosed = errors.New("port closed")

// Port 环境之间的单向有序通道端点
//
// Send 从不阻塞：消息先进入无界发件队列，由独立的泵协程按序投递给对端，
// 因此慢速的一端不会拖住发送方。
type Port struct {
	name  string
	inbox chan Envelope
	peer  *Port

	mu     sync.Mutex
	queue  []Envelope
	signal chan struct{}

	done      chan struct{}
	closeOnce *sync.Once
}

// Pipe 创建一对相连的端点
func Pipe(name string, buf int) (*Port, *Port) {
	if buf < 0 {
		buf = 0
	}
	done := make(chan struct{})
	once := &sync.Once{}
	a := &Port{name: name + "/a", inbox: make(chan Envelope, buf), signal: make(chan struct{}, 1), done: done, closeOnce: once}
	b := &Port{name: name + "/b", inbox: make(chan Envelope, buf), signal: make(chan struct{}, 1), done: done, closeOnce: once}
	a.peer, b.peer = b, a
	go a.pump()
	go b.pump()
	return a, b
}

// Name 端点名称
func (p *Port) Name() string { return p.name }

// Send 将消息放入发件队列
func (p *Port) Send(e Envelope) error {
	select {
	case <-p.done:
		return ErrPortClosed
	default:
	}
	p.mu.Lock()
	p.queue = append(p.queue, e)
	p.mu.Unlock()
	select {
	case p.signal <- struct{}{}:
	default:
	}
	return nil
}

// Recv 接收对端发来的消息
func (p *Port) Recv() <-chan Envelope { return p.inbox }

// Done 任一端关闭后关闭
func (p *Port) Done() <-chan struct{} { return p.done }

// Close 关闭整条通道，重复调用安全
func (p *Port) Close() {
	p.closeOnce.Do(func() { close(p.done) })
}

// Closed 是否已关闭
func (p *Port) Closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *Port) pump() {
	for {
		select {
		case <-p.done:
			return
		case <-p.signal:
		}
		for {
			p.mu.Lock()
			if len(p.queue) == 0 {
				p.mu.Unlock()
				break
			}
			e := p.queue[0]
			p.queue[0] = Envelope{}
			p.queue = p.queue[1:]
			p.mu.Unlock()
			select {
			case p.peer.inbox <- e:
			case <-p.done:
				return
			}
		}
	}
}
