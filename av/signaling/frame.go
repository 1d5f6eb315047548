package signaling

// Websocket frame operations shared by WSRelay and Hub.
const (
	opSubscribe   = "subscribe"
	opUnsubscribe = "unsubscribe"
	opPublish     = "publish"
)

// frame is the websocket message exchanged with the hub.
type frame struct {
	Op       string    `json:"op"`
	Channel  string    `json:"channel"`
	Envelope *Envelope `json:"envelope,omitempty"`
}
