package main

import (
	"bufio"
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"rtchat/auth"
	"rtchat/config"
	"rtchat/db"
	"rtchat/server"
)

type shutdownRequest struct {
	reason     string
	completion time.Time
}

// controlHandler serves management commands on a unix socket, one command
// per connection:
//
//	stats
//	user|<id>|<display name>
//	contact|<owner>|<contact>[|<nick>]
//	token|<id>                      (development only)
//	shutdown[|<reason>[|<RFC 3339 completion time>]]
type controlHandler struct {
	srv      *server.Server
	store    db.Store
	cfg      *config.Config
	logger   zerolog.Logger
	shutdown chan<- shutdownRequest
}

func (h *controlHandler) listen(ctx context.Context) {
	path := h.cfg.ControlSocketPath
	if path == "" {
		return
	}

	// Remove existing socket file
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to create control socket")
		return
	}
	defer os.Remove(path)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	h.logger.Info().Str("path", path).Msg("control socket listening")

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		go h.handle(ctx, conn)
	}
}

func (h *controlHandler) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(10 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return
	}

	conn.Write([]byte(h.execute(ctx, strings.TrimSpace(line)) + "\n"))
}

// execute runs one command and returns the reply line.
func (h *controlHandler) execute(ctx context.Context, line string) string {
	parts := strings.Split(line, "|")
	cmd := parts[0]
	arg := func(i int) string {
		if i < len(parts) {
			return strings.TrimSpace(parts[i])
		}
		return ""
	}

	switch cmd {
	case "stats":
		return "OK|" + h.srv.GetStats()

	case "user":
		if arg(1) == "" {
			return "ERROR|Usage: user|<id>|<display name>"
		}
		if err := h.store.CreateUser(ctx, arg(1), arg(2)); err != nil {
			h.logger.Error().Err(err).Str("user", arg(1)).Msg("create user failed")
			return "ERROR|" + err.Error()
		}
		return "OK|created"

	case "contact":
		if arg(1) == "" || arg(2) == "" {
			return "ERROR|Usage: contact|<owner>|<contact>[|<nick>]"
		}
		if err := h.store.AddContact(ctx, arg(1), arg(2), arg(3)); err != nil {
			h.logger.Error().Err(err).Str("owner", arg(1)).Str("contact", arg(2)).Msg("add contact failed")
			return "ERROR|" + err.Error()
		}
		return "OK|added"

	case "token":
		if !h.cfg.IsDevelopment() {
			return "ERROR|tokens are issued by the credential service"
		}
		if arg(1) == "" {
			return "ERROR|Usage: token|<id>"
		}
		token, err := auth.Sign(h.cfg.JWTSecret, arg(1), jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
		})
		if err != nil {
			return "ERROR|" + err.Error()
		}
		return "OK|" + token

	case "shutdown":
		req := shutdownRequest{reason: "maintenance"}
		if arg(1) != "" {
			req.reason = arg(1)
		}
		if arg(2) != "" {
			completion, err := time.Parse(time.RFC3339, arg(2))
			if err != nil {
				return "ERROR|Invalid completion time"
			}
			req.completion = completion
		}

		select {
		case h.shutdown <- req:
			return "OK|Shutting down"
		default:
			return "ERROR|Shutdown already in progress"
		}

	default:
		return "ERROR|Unknown command"
	}
}
