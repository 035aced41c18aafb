package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/orrn/instalabel/internal/core"
)

// Label images arrive base64 encoded inside a single text frame.
const maxFrameSize = 16 << 20

type wsClient struct {
	id      string
	conn    net.Conn
	limiter *rate.Limiter

	writeMu sync.Mutex
}

func (s *Server) serveWS(c *gin.Context) {
	conn, _, _, err := ws.UpgradeHTTP(c.Request, c.Writer)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	// The server's read/write timeouts stay on a hijacked connection.
	_ = conn.SetDeadline(time.Time{})

	cfg := s.opts.Config
	limit := rate.Inf
	if cfg.MessagesPerSecond > 0 {
		limit = rate.Limit(cfg.MessagesPerSecond)
	}
	burst := cfg.MessageBurst
	if burst <= 0 {
		burst = 1
	}

	client := &wsClient{
		id:      uuid.NewString(),
		conn:    conn,
		limiter: rate.NewLimiter(limit, burst),
	}
	logger := s.logger.With(zap.String("client", client.id))

	messages, err := s.opts.Hub.Subscribe(client.id, 0)
	if err != nil {
		logger.Warn("subscribe failed", zap.Error(err))
		conn.Close()
		return
	}
	logger.Info("client connected", zap.String("remote", conn.RemoteAddr().String()))

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer func() {
		cancel()
		_ = s.opts.Hub.Unsubscribe(client.id)
		conn.Close()
		logger.Info("client disconnected")
	}()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	go s.pump(ctx, cancel, client, messages, logger)

	for {
		data, err := client.read()
		if err != nil {
			var closed wsutil.ClosedError
			if !errors.As(err, &closed) && !errors.Is(err, io.EOF) && ctx.Err() == nil {
				logger.Debug("read failed", zap.Error(err))
			}
			return
		}

		if !client.limiter.Allow() {
			logger.Warn("rate limit exceeded, dropping message")
			continue
		}

		if _, err := s.dispatcher.Dispatch(ctx, data); err != nil && !errors.Is(err, core.ErrMalformedRequest) {
			logger.Warn("request failed", zap.Error(err))
		}
	}
}

// pump sends the current status and queue, then forwards published messages
// until the subscription or the connection ends.
func (s *Server) pump(ctx context.Context, cancel context.CancelFunc, client *wsClient, messages <-chan core.Message, logger *zap.Logger) {
	defer cancel()

	jobs := s.opts.Spooler.QueueSnapshot()
	if jobs == nil {
		jobs = []core.JobView{}
	}
	initial := []core.Message{
		core.NewStatusMessage(s.opts.Registry.Snapshot(ctx)),
		core.QueueMessage{Type: core.MessageQueue, Jobs: jobs},
	}
	for _, msg := range initial {
		if err := client.write(msg); err != nil {
			logger.Debug("write failed", zap.Error(err))
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			if err := client.write(msg); err != nil {
				logger.Debug("write failed", zap.Error(err))
				return
			}
		}
	}
}

func (cl *wsClient) write(msg core.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	cl.writeMu.Lock()
	defer cl.writeMu.Unlock()
	return wsutil.WriteServerMessage(cl.conn, ws.OpText, data)
}

// read returns the next data message, answering control frames on the way.
func (cl *wsClient) read() ([]byte, error) {
	rd := wsutil.Reader{
		Source:         cl.conn,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		MaxFrameSize:   maxFrameSize,
		OnIntermediate: cl.handleControl,
	}
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return nil, err
		}
		if hdr.OpCode.IsControl() {
			if err := cl.handleControl(hdr, &rd); err != nil {
				return nil, err
			}
			continue
		}
		if hdr.OpCode&(ws.OpText|ws.OpBinary) == 0 {
			if err := rd.Discard(); err != nil {
				return nil, err
			}
			continue
		}
		return io.ReadAll(&rd)
	}
}

// handleControl buffers the control reply so it goes out in one write under
// the write lock.
func (cl *wsClient) handleControl(hdr ws.Header, r io.Reader) error {
	var buf bytes.Buffer
	err := wsutil.ControlFrameHandler(&buf, ws.StateServerSide)(hdr, r)
	if buf.Len() > 0 {
		cl.writeMu.Lock()
		_, werr := cl.conn.Write(buf.Bytes())
		cl.writeMu.Unlock()
		if err == nil {
			err = werr
		}
	}
	return err
}
