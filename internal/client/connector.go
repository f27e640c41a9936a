package client

import (
	"context"
	"time"

	"github.com/cbeuw/chanmux/internal/common"
	"github.com/google/uuid"

	mux "github.com/cbeuw/chanmux/internal/multiplex"
	log "github.com/sirupsen/logrus"
)

var retryInterval = 3 * time.Second

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect dials the remote until it succeeds or ctx is done, then starts a client-side multiplexer on the
// connection
func Connect(ctx context.Context, dialer common.Dialer, config RemoteConnConfig) (*mux.Controller, error) {
	log.Info("Attempting to connect")
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		remoteConn, err := dialer.Dial("tcp", config.RemoteAddr)
		if err != nil {
			log.Errorf("Failed to establish connection to remote: %v", err)
			if err := sleepCtx(ctx, retryInterval); err != nil {
				return nil, err
			}
			continue
		}

		conn, err := config.TransportMaker().Prepare(remoteConn)
		if err != nil {
			log.Errorf("Failed to prepare connection to remote: %v", err)
			remoteConn.Close()
			if err := sleepCtx(ctx, retryInterval); err != nil {
				return nil, err
			}
			continue
		}

		connID := uuid.New().String()
		controller, err := mux.StartController(conn, mux.ControllerConfig{
			Role:           mux.RoleClient,
			Registrar:      config.Registrar,
			ServiceContext: connID,
			MaxPacketSize:  config.MaxPacketSize,
			Channels:       config.Channels,
			KeepAlive:      config.KeepAlive,
			Valve:          mux.MakeValve(config.RxRate, config.TxRate),
			ID:             connID,
		})
		if err != nil {
			conn.Close()
			return nil, err
		}
		log.WithFields(log.Fields{
			"conn":       connID,
			"remoteAddr": conn.RemoteAddr(),
		}).Info("Connection established")
		return controller, nil
	}
}

// Run keeps a connection up until ctx is done. Without Reconnect it returns once the first connection closes.
func Run(ctx context.Context, dialer common.Dialer, config RemoteConnConfig) error {
	for {
		controller, err := Connect(ctx, dialer, config)
		if err != nil {
			return err
		}
		select {
		case <-controller.Done():
			log.WithFields(log.Fields{
				"conn":   controller.ID(),
				"reason": controller.TerminalMsg(),
			}).Info("Connection closed")
		case <-ctx.Done():
			controller.Close()
			<-controller.Done()
			return ctx.Err()
		}
		if !config.Reconnect {
			return nil
		}
		if err := sleepCtx(ctx, retryInterval); err != nil {
			return err
		}
	}
}
