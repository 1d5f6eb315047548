// Package callsession is the entry point for placing and receiving WebRTC
// audio and video calls.
//
// A Client wires together the pieces in the av tree: a signaling relay
// (websocket hub or in-process), pion peer transports, the media acquirer
// and a mesh driver for group calls, all driven by one av.Manager.
//
//	client, err := callsession.New(ctx, av.Participant{ID: "alice", Name: "Alice"}, &callsession.Options{
//		RelayURL: "wss://relay.example/ws",
//		Token:    token,
//		Config:   av.DefaultConfig(),
//	})
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
//	client.SetIncomingCallCallback(func(s av.CallSession) { ... })
//	err = client.InitiateCall(ctx, av.Participant{ID: "bob"}, av.KindVideo)
//
// The relay server lives in cmd/signal-relay.
package callsession
