package transport

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	simerrors "github.com/sessamekesh/simrpc/pkg/errors"
	utils "github.com/sessamekesh/simrpc/pkg/util"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/tomb.v2"
)

type WebsocketServerParams struct {
	Name             string
	ListenAddress    string
	ListenEndpoint   string
	AllowAllHosts    bool
	AllowlistedHosts []string
	DenylistedHosts  []string

	MaxReadMessageSize int64
	// Bounds every write and the closing handshake. Zero uses
	// DefaultWriteTimeout.
	WriteTimeout       time.Duration
	MaxBufferedBytes   int

	Logger *zap.Logger
}

func checkOrigin(r *http.Request, params WebsocketServerParams) bool {
	origin := r.Header.Get("Origin")
	if utils.Contains(origin, params.DenylistedHosts) {
		return false
	}

	if params.AllowAllHosts {
		return true
	}

	return utils.Contains(origin, params.AllowlistedHosts)
}

// WebsocketServer carries the byte protocol over binary WebSocket frames.
// Frame boundaries carry no meaning: incoming frames are concatenated and
// every write becomes one frame.
type WebsocketServer struct {
	clientPool

	upgrader  *websocket.Upgrader
	params    WebsocketServerParams
	log       *zap.Logger
	stringGen *utils.RandomStringGenerator

	mut_server sync.RWMutex
	listener   net.Listener
	server     *http.Server
	tomb       *tomb.Tomb
}

func CreateWebsocketServer(params WebsocketServerParams) (*WebsocketServer, error) {
	if params.ListenAddress == "" {
		return nil, errors.NotValidf("empty WebSocket listen address")
	}
	if params.ListenEndpoint == "" {
		params.ListenEndpoint = "/"
	}
	if params.Name == "" {
		params.Name = "WebSocket"
	}
	if params.WriteTimeout <= 0 {
		params.WriteTimeout = DefaultWriteTimeout
	}

	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	log := logger.With(zap.String("server", params.Name))

	return &WebsocketServer{
		clientPool: clientPool{
			log: log,
		},
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return checkOrigin(r, params)
			},
		},
		params:    params,
		log:       log,
		stringGen: utils.CreateRandomStringGenerator(time.Now().UnixMicro()),
	}, nil
}

func (ws *WebsocketServer) Start() error {
	ws.mut_server.Lock()
	defer ws.mut_server.Unlock()

	if ws.tomb != nil {
		return nil
	}

	listener, err := net.Listen("tcp", ws.params.ListenAddress)
	if err != nil {
		ws.log.Error("Failed to start WebSocket server", zap.String("address", ws.params.ListenAddress), zap.Error(err))
		return &simerrors.ServerStartError{
			Server:  ws.params.Name,
			Address: ws.params.ListenAddress,
			Err:     err,
		}
	}

	t := &tomb.Tomb{}
	mux := http.NewServeMux()
	mux.HandleFunc(ws.params.ListenEndpoint, func(w http.ResponseWriter, r *http.Request) {
		ws.onWsRequest(t, w, r)
	})
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ws.listener = listener
	ws.server = server
	ws.tomb = t
	ws.clientPool.open()

	t.Go(func() error {
		if err := server.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			ws.log.Error("Unexpected WebSocket server close!", zap.Error(err))
			return errors.Trace(err)
		}
		return nil
	})

	ws.log.Sugar().Infof("Started WebSocket server at %s%s", listener.Addr().String(), ws.params.ListenEndpoint)
	ws.handlers.Started()
	return nil
}

func (ws *WebsocketServer) onWsRequest(t *tomb.Tomb, w http.ResponseWriter, r *http.Request) {
	tag := ws.stringGen.GetRandomString(6)
	log := ws.log.With(zap.String("client", tag))

	c, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("Failed to upgrade HTTP request to WebSocket connection", zap.Error(err))
		return
	}

	if ws.params.MaxReadMessageSize > 0 {
		c.SetReadLimit(ws.params.MaxReadMessageSize)
	}

	stream := newBufferedStream(&websocketConn{conn: c, closeTimeout: ws.params.WriteTimeout}, streamParams{
		Address:          r.RemoteAddr,
		MaxBufferedBytes: ws.params.MaxBufferedBytes,
		WriteTimeout:     ws.params.WriteTimeout,
	})
	client := &byteClient{
		tag:     tag,
		address: r.RemoteAddr,
		stream:  stream,
	}

	queued := ws.offer(client, func() {
		t.Go(stream.readLoop)
	})
	if !queued {
		c.Close()
		return
	}
	log.Debug("Accepted WebSocket connection", zap.String("address", r.RemoteAddr))
}

func (ws *WebsocketServer) Stop() error {
	ws.mut_server.Lock()
	defer ws.mut_server.Unlock()

	if ws.tomb == nil {
		return nil
	}

	ws.tomb.Kill(nil)
	err := ws.clientPool.shutdown()
	err = multierr.Append(err, ws.server.Close())
	if waitErr := ws.tomb.Wait(); waitErr != nil {
		err = multierr.Append(err, waitErr)
	}

	ws.tomb = nil
	ws.server = nil
	ws.listener = nil

	ws.log.Info("Stopped WebSocket server")
	ws.handlers.Stopped()
	return err
}

func (ws *WebsocketServer) Update() {
	ws.clientPool.update()
}

func (ws *WebsocketServer) Running() bool {
	ws.mut_server.RLock()
	defer ws.mut_server.RUnlock()
	return ws.tomb != nil && ws.tomb.Alive()
}

func (ws *WebsocketServer) Address() string {
	ws.mut_server.RLock()
	defer ws.mut_server.RUnlock()

	if ws.listener != nil {
		return ws.listener.Addr().String()
	}
	return ws.params.ListenAddress
}

func (ws *WebsocketServer) Info() string {
	return fmt.Sprintf("WebSocket server %s on ws://%s%s", ws.params.Name, ws.Address(), ws.params.ListenEndpoint)
}

// websocketConn reads the payloads of consecutive binary messages as one
// byte stream.
type websocketConn struct {
	conn         *websocket.Conn
	reader       io.Reader
	closeTimeout time.Duration
}

func (w *websocketConn) Read(buf []byte) (int, error) {
	for {
		if w.reader == nil {
			msgType, reader, err := w.conn.NextReader()
			if err != nil {
				return 0, err
			}
			if msgType != websocket.BinaryMessage {
				continue
			}
			w.reader = reader
		}

		n, err := w.reader.Read(buf)
		if err == io.EOF {
			w.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (w *websocketConn) Write(data []byte) (int, error) {
	if err := w.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return 0, err
	}
	return len(data), nil
}

func (w *websocketConn) SetWriteDeadline(t time.Time) error {
	return w.conn.SetWriteDeadline(t)
}

func (w *websocketConn) Close() error {
	w.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(w.closeTimeout))
	return w.conn.Close()
}
