package callsession

import (
	"context"
	"errors"
	"fmt"

	"github.com/opd-ai/callsession/av"
	"github.com/opd-ai/callsession/av/media"
	"github.com/opd-ai/callsession/av/peer"
	"github.com/opd-ai/callsession/av/recorder"
	"github.com/opd-ai/callsession/av/signaling"
	"github.com/sirupsen/logrus"
)

// Options configures a Client.
type Options struct {
	// RelayURL is the websocket address of a signal-relay hub. When empty
	// the client signals through an in-process MemoryRelay, which is only
	// useful when every participant lives in the same process.
	RelayURL string
	// Token authenticates against the hub.
	Token string
	// Device provides capture sources. Nil uses a SyntheticDevice.
	Device media.DeviceLayer
	// Constraints are the preferred capture constraints.
	Constraints media.Constraints
	// RecordingDir receives finished recordings. Empty keeps them in memory.
	RecordingDir string
	// Config tunes the call manager.
	Config av.Config
}

// NewOptions returns options for an offline client with default settings.
func NewOptions() *Options {
	return &Options{
		Constraints: media.DefaultConstraints(),
		Config:      av.DefaultConfig(),
	}
}

// Client bundles a running call manager with the relay it signals through.
type Client struct {
	*av.Manager

	relay      signaling.Relay
	closeRelay func() error
}

// New connects to the relay, builds a pion transport factory and a mesh
// group driver, and starts a manager for self.
func New(ctx context.Context, self av.Participant, options *Options) (*Client, error) {
	if options == nil {
		options = NewOptions()
	}

	device := options.Device
	if device == nil {
		device = media.NewSyntheticDevice()
	}
	acquirer, err := media.NewAcquirer(device, options.Constraints)
	if err != nil {
		return nil, fmt.Errorf("create acquirer: %w", err)
	}

	factory, err := peer.NewPionFactory(options.Config.ICEServers)
	if err != nil {
		return nil, fmt.Errorf("create transport factory: %w", err)
	}

	var (
		relay      signaling.Relay
		closeRelay func() error
	)
	if options.RelayURL == "" {
		memory := signaling.NewMemoryRelay()
		relay, closeRelay = memory, memory.Close
	} else {
		ws, err := signaling.DialWS(ctx, options.RelayURL, options.Token)
		if err != nil {
			return nil, err
		}
		relay, closeRelay = ws, ws.Close
	}

	manager, err := av.NewManager(self, relay, acquirer, factory, options.Config)
	if err != nil {
		_ = closeRelay()
		return nil, err
	}
	manager.SetGroupDriver(av.NewMeshDriver(self, relay, factory, options.Config.SignalTimeout))
	if options.RecordingDir != "" {
		manager.SetRecordingSink(recorder.DirSink{Dir: options.RecordingDir})
	}

	if err := manager.Start(); err != nil {
		_ = closeRelay()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":    "New",
		"participant": self.ID,
		"relay":       options.RelayURL,
	}).Info("Call session client started")

	return &Client{Manager: manager, relay: relay, closeRelay: closeRelay}, nil
}

// Relay returns the signaling relay the client uses.
func (c *Client) Relay() signaling.Relay { return c.relay }

// Close ends any call, stops the manager and disconnects from the relay.
func (c *Client) Close() error {
	err := c.Manager.Stop()
	if errors.Is(err, av.ErrManagerNotRunning) {
		err = nil
	}
	return errors.Join(err, c.closeRelay())
}
