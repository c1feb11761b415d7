package signal

type BackpressureAction int

const (
	DropFrame BackpressureAction = iota
	KickConn
)

// Policy decides what happens to a connection whose send queue is full.
type Policy interface {
	OnBackpressure(c *Conn) BackpressureAction
}

// KickSlowPolicy drops single frames but disconnects a peer after too many.
type KickSlowPolicy struct {
	MaxDropped int
}

func (p KickSlowPolicy) OnBackpressure(c *Conn) BackpressureAction {
	if int(c.dropped.Add(1)) > p.MaxDropped {
		return KickConn
	}
	return DropFrame
}
