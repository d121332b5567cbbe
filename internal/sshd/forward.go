package sshd

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/koltyakov/addr/internal/broker"
)

// RFC 4254 section 7.1 payloads.
type tcpipForwardMsg struct {
	BindAddr string
	BindPort uint32
}

type tcpipForwardReply struct {
	Port uint32
}

// RFC 4254 section 7.2.
type forwardedTCPIPMsg struct {
	ConnectedAddr string
	ConnectedPort uint32
	OriginAddr    string
	OriginPort    uint32
}

const keepaliveRequest = "keepalive@openssh.com"

func (cs *connState) handleGlobalRequests(ctx context.Context, reqs <-chan *ssh.Request) {
	for req := range reqs {
		switch req.Type {
		case "tcpip-forward":
			cs.handleTCPIPForward(ctx, req)
		case "cancel-tcpip-forward":
			cs.handleCancelTCPIPForward(req)
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func (cs *connState) handleTCPIPForward(ctx context.Context, req *ssh.Request) {
	var msg tcpipForwardMsg
	if err := ssh.Unmarshal(req.Payload, &msg); err != nil {
		cs.log.Debug("bad tcpip-forward payload", "err", err)
		_ = req.Reply(false, nil)
		return
	}

	ln, err := cs.bc.HandleForward(ctx, cs, msg.BindAddr, int(msg.BindPort))
	if err != nil {
		_ = req.Reply(false, nil)
		return
	}
	var payload []byte
	if msg.BindPort == 0 {
		payload = ssh.Marshal(tcpipForwardReply{Port: uint32(ln.Port())})
	}
	_ = req.Reply(true, payload)
}

func (cs *connState) handleCancelTCPIPForward(req *ssh.Request) {
	var msg tcpipForwardMsg
	if err := ssh.Unmarshal(req.Payload, &msg); err != nil {
		_ = req.Reply(false, nil)
		return
	}
	key := forwardKey(msg.BindAddr, int(msg.BindPort))
	cs.mu.Lock()
	fl := cs.forwards[key]
	cs.mu.Unlock()
	if fl == nil {
		_ = req.Reply(false, nil)
		return
	}
	_ = fl.Close()
	_ = req.Reply(true, nil)
}

// OpenForwardingListener implements [broker.Forwarder]. Connections accepted
// on the listener are relayed to the client as forwarded-tcpip channels
// addressed to remoteHost:remotePort, the address the client asked for.
func (cs *connState) OpenForwardingListener(ctx context.Context, bindHost string, bindPort int, remoteHost string, remotePort int) (broker.Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(bindHost, strconv.Itoa(bindPort)))
	if err != nil {
		return nil, err
	}
	fl := &forwardListener{
		ln:         ln,
		port:       ln.Addr().(*net.TCPAddr).Port,
		remoteHost: remoteHost,
		remotePort: uint32(remotePort),
		key:        forwardKey(remoteHost, remotePort),
		cs:         cs,
	}

	cs.mu.Lock()
	if prev := cs.forwards[fl.key]; prev != nil {
		cs.mu.Unlock()
		_ = ln.Close()
		return nil, errors.New("forward already active for " + fl.key)
	}
	cs.forwards[fl.key] = fl
	cs.mu.Unlock()

	cs.wg.Add(1)
	go func() {
		defer cs.wg.Done()
		defer recoverConn(cs.log, "ssh-forward")
		fl.serve()
	}()
	cs.log.Debug("forwarding listener open", "addr", ln.Addr().String(), "remote", fl.key)
	return fl, nil
}

func (cs *connState) closeForwards() {
	cs.mu.Lock()
	fls := make([]*forwardListener, 0, len(cs.forwards))
	for _, fl := range cs.forwards {
		fls = append(fls, fl)
	}
	cs.mu.Unlock()
	for _, fl := range fls {
		_ = fl.Close()
	}
}

type forwardListener struct {
	ln         net.Listener
	port       int
	remoteHost string
	remotePort uint32
	key        string
	cs         *connState

	closeOnce sync.Once
}

func (fl *forwardListener) Port() int { return fl.port }

func (fl *forwardListener) Close() error {
	var err error
	fl.closeOnce.Do(func() {
		err = fl.ln.Close()
		fl.cs.mu.Lock()
		if fl.cs.forwards[fl.key] == fl {
			delete(fl.cs.forwards, fl.key)
		}
		fl.cs.mu.Unlock()
	})
	return err
}

func (fl *forwardListener) serve() {
	defer func() { _ = fl.Close() }()
	for {
		conn, err := fl.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				fl.cs.log.Debug("forward accept", "err", err)
			}
			return
		}
		fl.cs.wg.Add(1)
		go func() {
			defer fl.cs.wg.Done()
			defer recoverConn(fl.cs.log, "ssh-relay")
			fl.relay(conn)
		}()
	}
}

func (fl *forwardListener) relay(conn net.Conn) {
	origin := conn.RemoteAddr().(*net.TCPAddr)
	payload := ssh.Marshal(forwardedTCPIPMsg{
		ConnectedAddr: fl.remoteHost,
		ConnectedPort: fl.remotePort,
		OriginAddr:    origin.IP.String(),
		OriginPort:    uint32(origin.Port),
	})
	ch, reqs, err := fl.cs.sconn.OpenChannel("forwarded-tcpip", payload)
	if err != nil {
		fl.cs.log.Debug("open forwarded-tcpip", "err", err)
		_ = conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	fl.cs.srv.metrics.RecordRelay()

	sent, received := pipe(ch, conn)
	fl.cs.log.Debug("relay closed", "origin", origin.String(), "sent", sent, "received", received)
}

type writeCloser interface {
	CloseWrite() error
}

// pipe copies in both directions until both sides are done, half-closing
// each destination as its source drains, then closes both. It returns the
// bytes sent to the client and received from it.
func pipe(client ssh.Channel, conn net.Conn) (int64, int64) {
	var (
		sent, received int64
		wg             sync.WaitGroup
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		sent, _ = io.Copy(client, conn)
		_ = client.CloseWrite()
	}()
	go func() {
		defer wg.Done()
		received, _ = io.Copy(conn, client)
		if wc, ok := conn.(writeCloser); ok {
			_ = wc.CloseWrite()
		}
	}()
	wg.Wait()
	_ = client.Close()
	_ = conn.Close()
	return sent, received
}

func forwardKey(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

var _ broker.Forwarder = (*connState)(nil)
