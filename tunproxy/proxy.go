package tunproxy

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	nullLog "github.com/sirupsen/logrus/hooks/test"

	"github.com/muxtun/muxtun/tunmux"
	"github.com/muxtun/muxtun/util"
)

const (
	// ManagerName is the fixed name under which the front-end looks up
	// the singleton manager.
	ManagerName = "tunmgr"

	// TunnelPath is the upgrade endpoint.
	TunnelPath = "/tun"

	// TracePath echoes routing trace headers.
	TracePath = "/trace"

	// DefaultKeepAlivePeriod is the keepalive tick interval unless
	// configured otherwise.
	DefaultKeepAlivePeriod = 10 * time.Second

	monthUnix = 31 * 24 * time.Hour
)

// Config contains the run time parameters for the manager.
type Config struct {
	// Upgrader is a websocket.Upgrader used to upgrade incoming
	// connections from clients.
	Upgrader websocket.Upgrader

	// Logger is used to log manager and tunnel events.
	Logger *logrus.Logger

	// JWTSecretA and JWTSecretB verify JWTs on the upgrade request.
	// Leave both empty to accept unauthenticated upgrades; the
	// front-end is then expected to gate access itself.
	JWTSecretA []byte
	JWTSecretB []byte

	// Audience value for the aud claim.
	Audience string

	// Capacity is the request table size of each tunnel.
	Capacity int

	// KeepAlivePeriod is the ticker interval. Defaults to
	// DefaultKeepAlivePeriod.
	KeepAlivePeriod time.Duration

	// Dialer opens egress connections for every tunnel. Defaults to a
	// plain net.Dialer inside tunmux.
	Dialer tunmux.Dialer
}

// Manager is the process-singleton registry of live tunnels. It
// implements http.Handler so it can sit directly in a mux or server.
type Manager struct {
	m                sync.RWMutex
	tunnels          map[uint64]*tunmux.Tunnel
	nextID           uint64
	keepAliveStarted bool
	stop             chan struct{}

	upgrader        websocket.Upgrader
	logger          *logrus.Logger
	jwtSecretA      []byte
	jwtSecretB      []byte
	audience        string
	capacity        int
	keepAlivePeriod time.Duration
	dialer          tunmux.Dialer
}

// New creates a manager with no registered tunnels.
func New(conf Config) *Manager {
	logger := conf.Logger
	if logger == nil {
		logger, _ = nullLog.NewNullLogger()
	}
	period := conf.KeepAlivePeriod
	if period <= 0 {
		period = DefaultKeepAlivePeriod
	}
	return &Manager{
		tunnels:         make(map[uint64]*tunmux.Tunnel),
		stop:            make(chan struct{}),
		upgrader:        conf.Upgrader,
		logger:          logger,
		jwtSecretA:      conf.JWTSecretA,
		jwtSecretB:      conf.JWTSecretB,
		audience:        conf.Audience,
		capacity:        conf.Capacity,
		keepAlivePeriod: period,
		dialer:          conf.Dialer,
	}
}

// ServeHTTP dispatches the manager's HTTP surface: the upgrade gate,
// the trace endpoint, and 404 for everything else.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case TunnelPath:
		m.HandleTunnel(w, r)
	case TracePath:
		m.HandleTrace(w, r)
	default:
		http.NotFound(w, r)
	}
}

// HandleTrace echoes the routing trace headers and stamps the server
// time.
func (m *Manager) HandleTrace(w http.ResponseWriter, r *http.Request) {
	util.SetTraceHeaders(w.Header(), r.Header)
	w.WriteHeader(http.StatusOK)
}

// HandleTunnel is the upgrade gate. Non-websocket requests get 426;
// upgraded sockets are registered as tunnels. A panic before the
// upgrade yields a 500 with the stack; after the upgrade the websocket
// carries a JSON error frame and closes with code 1011.
func (m *Manager) HandleTunnel(w http.ResponseWriter, r *http.Request) {
	var conn *websocket.Conn
	defer func() {
		v := recover()
		if v == nil {
			return
		}
		m.logerrorf(r.RemoteAddr, "panic serving upgrade: %v", v)
		if conn == nil {
			http.Error(w, fmt.Sprintf("%v\n%s", v, debug.Stack()), http.StatusInternalServerError)
			return
		}
		msg, _ := json.Marshal(map[string]string{"error": fmt.Sprintf("%v", v)})
		_ = conn.WriteMessage(websocket.TextMessage, msg)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "internal error"),
			time.Now().Add(5*time.Second))
		_ = conn.Close()
	}()

	if !websocket.IsWebSocketUpgrade(r) {
		m.logerrorf(r.RemoteAddr, "request must be websocket upgrade")
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusUpgradeRequired)
		_, _ = w.Write([]byte("Expected Upgrade: websocket"))
		return
	}

	if len(m.jwtSecretA) != 0 || len(m.jwtSecretB) != 0 {
		tokenString := util.ExtractJWT(r.Header.Get("Authorization"))
		if tokenString == "" {
			m.logerrorf(r.RemoteAddr, "could not retrieve auth token")
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		if err := m.validateJWT(tokenString); err != nil {
			m.logerrorf(r.RemoteAddr, "unable to validate token: %v", err)
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
	}

	header := make(http.Header)
	util.SetTraceHeaders(header, r.Header)
	c, err := m.upgrader.Upgrade(w, r, header)
	if err != nil {
		// the upgrader has already replied
		m.logerrorf(r.RemoteAddr, "upgrade failed: %v", err)
		return
	}
	conn = c
	m.Accept(conn)
}

// Accept registers an upgraded websocket as a new tunnel and starts
// the keepalive ticker on first use.
func (m *Manager) Accept(conn *websocket.Conn) *tunmux.Tunnel {
	m.m.Lock()
	defer m.m.Unlock()

	id := m.nextID
	m.nextID++

	t := tunmux.New(conn, tunmux.Config{
		ID:       id,
		Capacity: m.capacity,
		Dialer:   m.dialer,
		Logger:   m.logger,
		OnClosed: m.onTunnelClosed,
	})
	m.tunnels[id] = t
	m.logf(conn.RemoteAddr().String(), "added new tunnel %d", id)

	if !m.keepAliveStarted {
		m.keepAliveStarted = true
		go m.keepAliveLoop()
	}
	return t
}

// onTunnelClosed is an idempotent operation which deletes a tunnel
// from the manager's registry.
func (m *Manager) onTunnelClosed(t *tunmux.Tunnel) {
	m.m.Lock()
	defer m.m.Unlock()
	delete(m.tunnels, t.ID())
	m.logf("", "tunnel %d removed", t.ID())
}

// Count returns the number of live tunnels.
func (m *Manager) Count() int {
	m.m.RLock()
	defer m.m.RUnlock()
	return len(m.tunnels)
}

// Stop halts the keepalive ticker. Live tunnels are left untouched;
// intended for tests and orderly shutdown.
func (m *Manager) Stop() {
	close(m.stop)
}

func (m *Manager) keepAliveLoop() {
	ticker := time.NewTicker(m.keepAlivePeriod)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			m.m.RLock()
			tunnels := make([]*tunmux.Tunnel, 0, len(m.tunnels))
			for _, t := range m.tunnels {
				tunnels = append(tunnels, t)
			}
			m.m.RUnlock()
			for _, t := range tunnels {
				t.KeepAlive(now, m.keepAlivePeriod)
			}
		case <-m.stop:
			return
		}
	}
}

// validateJWT checks an HS256 token against both secrets, accepting
// whichever verifies. Claims: exp and nbf must hold, the validity
// window must not exceed 31 days, and an aud claim, when the token
// carries one, must match the configured audience.
func (m *Manager) validateJWT(tokenString string) error {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithoutClaimsValidation(),
	)

	token, err := parser.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrUnexpectedSigningMethod
		}
		return m.jwtSecretA, nil
	})

	if err != nil {
		m.logerrorf("", "%v: trying with second secret", err)
		token, err = parser.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, ErrUnexpectedSigningMethod
			}
			return m.jwtSecretB, nil
		})
	}

	if err != nil {
		m.logerrorf("", "%v: auth failed", err)
		return ErrAuthFailed
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return ErrTokenNotValid
	}

	now := time.Now().Unix()
	if !claims.VerifyExpiresAt(now, true) {
		return ErrAuthFailed
	}
	if !claims.VerifyNotBefore(now, true) {
		return ErrAuthFailed
	}
	exp, expOk := claims["exp"].(float64)
	nbf, nbfOk := claims["nbf"].(float64)
	if !expOk || !nbfOk || exp-nbf > float64(monthUnix/time.Second) {
		m.logerrorf("", "jwt should not be valid for more than 31 days")
		return ErrAuthFailed
	}
	if !claims.VerifyAudience(m.audience, false) {
		return ErrAuthFailed
	}

	return nil
}

// manager logging utilities

func (m *Manager) logf(remoteAddr string, format string, v ...interface{}) {
	m.logger.WithFields(logrus.Fields{
		"remote-addr": remoteAddr,
	}).Printf(format, v...)
}

func (m *Manager) logerrorf(remoteAddr string, format string, v ...interface{}) {
	m.logger.WithFields(logrus.Fields{
		"remote-addr": remoteAddr,
	}).Errorf(format, v...)
}
