package channels

// Handler receives session lifecycle events. Callbacks run on the session's
// read goroutine, in frame arrival order.
type Handler interface {
	OnConnect(s *Session)
	OnText(s *Session, msg string)
	OnBinary(s *Session, data []byte)
	OnPing(s *Session, data []byte)
	OnPong(s *Session, data []byte)
	OnClose(s *Session, code int, reason string)
	OnError(s *Session, err error)
}

// NopHandler implements Handler with no-ops. Embed it to override only the
// callbacks a handler cares about.
type NopHandler struct{}

func (NopHandler) OnConnect(*Session)            {}
func (NopHandler) OnText(*Session, string)       {}
func (NopHandler) OnBinary(*Session, []byte)     {}
func (NopHandler) OnPing(*Session, []byte)       {}
func (NopHandler) OnPong(*Session, []byte)       {}
func (NopHandler) OnClose(*Session, int, string) {}
func (NopHandler) OnError(*Session, error)       {}

// channelAware wraps a handler so the session is removed from every group
// when it closes or errors, whatever the delegate does.
type channelAware struct {
	layer    *Layer
	delegate Handler
}

// ChannelAware binds a handler to a layer. OnClose and OnError always call
// DiscardAll for the session after the delegate runs.
func ChannelAware(layer *Layer, h Handler) Handler {
	return &channelAware{layer: layer, delegate: h}
}

func (c *channelAware) OnConnect(s *Session)        { c.delegate.OnConnect(s) }
func (c *channelAware) OnText(s *Session, m string) { c.delegate.OnText(s, m) }
func (c *channelAware) OnBinary(s *Session, d []byte) {
	c.delegate.OnBinary(s, d)
}
func (c *channelAware) OnPing(s *Session, d []byte) { c.delegate.OnPing(s, d) }
func (c *channelAware) OnPong(s *Session, d []byte) { c.delegate.OnPong(s, d) }

func (c *channelAware) OnClose(s *Session, code int, reason string) {
	defer c.layer.DiscardAll(s)
	c.delegate.OnClose(s, code, reason)
}

func (c *channelAware) OnError(s *Session, err error) {
	defer c.layer.DiscardAll(s)
	c.delegate.OnError(s, err)
}
