// Command muxtund is the server-side endpoint of the websocket-carried
// TCP proxy tunnel. Clients open a websocket to /tun and multiplex
// egress TCP requests over it.
package main

import (
	"crypto/tls"
	"encoding/base64"
	"log/syslog"
	"net/http"
	"os"
	"strconv"
	"time"

	docopt "github.com/docopt/docopt-go"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	mozlog "github.com/mozilla-services/go-mozlogrus"
	log "github.com/sirupsen/logrus"
	lSyslog "github.com/sirupsen/logrus/hooks/syslog"

	"github.com/muxtun/muxtun/tunproxy"
)

const usage = `Muxtun Server

Usage: muxtund [-h | --help]

Environment:
 PORT (optional; defaults to 8080, or 443 with TLS)  port on which this service listens
 TLS_CERTIFICATE (optional; no TLS if not provided)  base64-encoded TLS certificate
 TLS_KEY                                             corresponding base64-encoded TLS key
 TUNNEL_SECRET_A                                     JWT secret (upgrades are unauthenticated if unset)
 TUNNEL_SECRET_B                                     alternate JWT secret
 AUDIENCE                                            JWT 'audience' claim
 KEEPALIVE_MS                                        keepalive tick period in ms (default 10000)
 MAX_REQUESTS                                        concurrent requests per tunnel (default 100)
 SYSLOG_ADDR                                         address to which to send syslog output
 ENV                                                 set to "production" for mozlog output

Options:
-h --help       Show help`

func main() {
	_, _ = docopt.Parse(usage, nil, true, "muxtund", false)

	logger := log.New()

	if env := os.Getenv("ENV"); env == "production" {
		// add mozlog formatter
		logger.Formatter = &mozlog.MozLogFormatter{
			LoggerName: "muxtund",
		}

		// add syslog hook if addr is provided
		syslogAddr := os.Getenv("SYSLOG_ADDR")
		if syslogAddr != "" {
			hook, err := lSyslog.NewSyslogHook("udp", syslogAddr, syslog.LOG_DEBUG, "muxtund")
			if err != nil {
				panic(err)
			}
			logger.Hooks.Add(hook)
		}
	}

	// Load secrets
	signingSecretA := os.Getenv("TUNNEL_SECRET_A")
	signingSecretB := os.Getenv("TUNNEL_SECRET_B")

	// Load TLS certificates
	useTLS := true
	tlsKeyEnc := os.Getenv("TLS_KEY")
	tlsCertEnc := os.Getenv("TLS_CERTIFICATE")

	tlsKey, _ := base64.StdEncoding.DecodeString(tlsKeyEnc)
	tlsCert, _ := base64.StdEncoding.DecodeString(tlsCertEnc)
	cert, err := tls.X509KeyPair(tlsCert, tlsKey)
	if err != nil {
		logger.Error(err.Error())
		useTLS = false
	}

	// load port
	port := os.Getenv("PORT")
	if port == "" {
		if useTLS {
			port = "443"
		} else {
			port = "8080"
		}
	}

	keepAlive := tunproxy.DefaultKeepAlivePeriod
	if ms := os.Getenv("KEEPALIVE_MS"); ms != "" {
		n, err := strconv.Atoi(ms)
		if err != nil || n <= 0 {
			panic("KEEPALIVE_MS must be a positive integer")
		}
		keepAlive = time.Duration(n) * time.Millisecond
	}

	capacity := 0
	if max := os.Getenv("MAX_REQUESTS"); max != "" {
		capacity, err = strconv.Atoi(max)
		if err != nil || capacity <= 0 {
			panic("MAX_REQUESTS must be a positive integer")
		}
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	manager := tunproxy.New(tunproxy.Config{
		Logger:          logger,
		Upgrader:        upgrader,
		JWTSecretA:      []byte(signingSecretA),
		JWTSecretB:      []byte(signingSecretB),
		Audience:        os.Getenv("AUDIENCE"),
		Capacity:        capacity,
		KeepAlivePeriod: keepAlive,
	})

	router := mux.NewRouter()
	router.HandleFunc(tunproxy.TunnelPath, manager.HandleTunnel).Methods("GET")
	router.HandleFunc(tunproxy.TracePath, manager.HandleTrace).Methods("GET")

	server := &http.Server{Addr: ":" + port, Handler: router}
	defer func() {
		_ = server.Close()
	}()
	logger.WithFields(log.Fields{
		"server-addr": server.Addr,
	}).Info("starting server")

	// create tls config and serve
	if useTLS {
		config := &tls.Config{
			Certificates: []tls.Certificate{cert},
		}
		listener, err := tls.Listen("tcp", ":"+port, config)
		if err != nil {
			panic(err)
		}
		_ = server.Serve(listener)
	} else {
		err = server.ListenAndServe()
		if err != nil {
			panic(err)
		}
	}
}
