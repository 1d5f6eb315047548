// Package av manages real-time audio/video call sessions.
//
// A Manager owns at most one call session at a time and drives it through
// idle, calling, ringing, connected and ending. It coordinates local capture
// (av/media), an out-of-band signaling exchange (av/signaling), a peer
// transport (av/peer), screen sharing (av/screenshare) and local recording
// (av/recorder). Every exit path funnels into one idempotent cleanup that
// releases every resource the session obtained.
//
// # Architecture
//
//   - Manager: session state machine, call actions and cleanup
//   - QualityMonitor: periodic connection quality tiers
//   - GroupCoordinator: roster of independent peer connections for group calls
//
// Asynchronous inputs (transport events, relay envelopes, timers and
// track-ended observers) are posted to an event queue. Iterate drains the
// queue and applies the pure transition function; the manager's own loop
// calls Iterate every Config.IterationInterval after Start.
//
// # Manager Usage
//
//	acquirer, _ := media.NewAcquirer(device, media.DefaultConstraints())
//	factory, _ := peer.NewPionFactory(cfg.ICEServers)
//	manager, err := av.NewManager(self, relay, acquirer, factory, av.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	manager.SetStateCallback(func(state av.State) {
//	    render(state)
//	})
//	manager.SetIncomingCallCallback(func(session av.CallSession) {
//	    _ = manager.AcceptCall(ctx)
//	})
//	manager.Start()
//	defer manager.Stop()
//
//	err = manager.InitiateCall(ctx, bob, av.KindVideo)
//
// # Group Calls
//
// InitiateGroupCall dials every participant through the configured
// ConnectionDriver. MeshDriver opens one peer transport per participant;
// SimulatedDriver produces seeded delays and audio levels for demos and
// tests.
package av
