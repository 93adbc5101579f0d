package driver

import (
	"context"
	"net"

	"github.com/kadmesh/kadmesh/pkg/logging"
	"github.com/kadmesh/kadmesh/pkg/transport"
	"github.com/kadmesh/kadmesh/shared/protocol"
)

// ServeWebSocket accepts connections from l until ctx is canceled or Accept
// errors, dispatching each one to serveConn in its own goroutine.
func (d *Driver) ServeWebSocket(ctx context.Context, l *transport.Listener) error {
	for {
		sock, err := l.Accept(ctx)
		if err != nil {
			return err
		}
		go d.serveConn(ctx, sock)
	}
}

// serveConn reads requests off sock until it errors or closes, answering
// each one via ReceiveMessage. One connection serves any number of
// request/reply round trips from the same peer.
func (d *Driver) serveConn(ctx context.Context, sock *transport.WebSocketSocket) {
	defer sock.Close()

	host, port := splitRemoteAddr(sock.RemoteAddr())

	for {
		_, frames, err := sock.RecvMultipart(ctx)
		if err != nil {
			return
		}

		msg, err := protocol.Parse(frames, sock.Reply())
		if err != nil {
			d.logger.Debug("serveConn: malformed message", logging.Fields{"error": err.Error()})
			return
		}

		reply, err := d.ReceiveMessage(ctx, msg, host, port)
		if err != nil {
			d.logger.Debug("serveConn: ReceiveMessage failed", logging.Fields{"error": err.Error()})
			continue
		}
		if reply == nil {
			continue
		}

		replyFrames, err := protocol.ToTransportMessage(reply, d.privateKey)
		if err != nil {
			d.logger.Debug("serveConn: encoding reply failed", logging.Fields{"error": err.Error()})
			continue
		}
		if err := sock.SendMultipart(ctx, nil, replyFrames); err != nil {
			return
		}
	}
}

// ServeQUIC accepts connections from l until ctx is canceled or Accept
// errors, dispatching each one to serveQUICConn in its own goroutine. This
// mirrors ServeWebSocket exactly; the two differ only in the FrameSocket
// type each Listener hands back.
func (d *Driver) ServeQUIC(ctx context.Context, l *transport.QUICListener) error {
	for {
		sock, err := l.Accept(ctx)
		if err != nil {
			return err
		}
		go d.serveQUICConn(ctx, sock)
	}
}

func (d *Driver) serveQUICConn(ctx context.Context, sock *transport.QUICSocket) {
	defer sock.Close()

	host, port := splitRemoteAddr(sock.RemoteAddr())

	for {
		_, frames, err := sock.RecvMultipart(ctx)
		if err != nil {
			return
		}

		msg, err := protocol.Parse(frames, sock.Reply())
		if err != nil {
			d.logger.Debug("serveQUICConn: malformed message", logging.Fields{"error": err.Error()})
			return
		}

		reply, err := d.ReceiveMessage(ctx, msg, host, port)
		if err != nil {
			d.logger.Debug("serveQUICConn: ReceiveMessage failed", logging.Fields{"error": err.Error()})
			continue
		}
		if reply == nil {
			continue
		}

		replyFrames, err := protocol.ToTransportMessage(reply, d.privateKey)
		if err != nil {
			d.logger.Debug("serveQUICConn: encoding reply failed", logging.Fields{"error": err.Error()})
			continue
		}
		if err := sock.SendMultipart(ctx, nil, replyFrames); err != nil {
			return
		}
	}
}

func splitRemoteAddr(addr string) (host string, port int) {
	h, p, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	var parsed int
	for _, c := range p {
		if c < '0' || c > '9' {
			return h, 0
		}
		parsed = parsed*10 + int(c-'0')
	}
	return h, parsed
}
