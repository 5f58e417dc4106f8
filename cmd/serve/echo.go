package serve

import (
	"context"
	"time"

	"github.com/ValentinKolb/dWire/transport"
	"github.com/ValentinKolb/dWire/transport/common"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var echoLogger = logger.GetLogger("cmd")

// echoService is the service entry point of the standalone server: every
// message is answered with a reply carrying the same body, pings with a
// pong. Request handling is fully asynchronous, each session chains its
// operations through completion callbacks instead of occupying a
// goroutine between requests.
type echoService struct {
	sessions *xsync.MapOf[uint64, transport.ISession]
}

func newEchoService() *echoService {
	return &echoService{
		sessions: xsync.NewMapOf[uint64, transport.ISession](),
	}
}

func (e *echoService) StartSession(s transport.ISession) {
	e.sessions.Store(s.ID(), s)
	e.sourceNext(s)
}

// sourceNext chains the next request cycle: source, handle, sink, repeat.
// Any failure along the chain ends the session.
func (e *echoService) sourceNext(s transport.ISession) {
	tl := s.TransportLayer()
	req := &common.Message{}

	err := tl.AsyncWait(tl.SourceMessage(s, req, time.Time{}), func(err error) {
		if err != nil {
			e.endSession(s, err)
			return
		}

		resp, herr := e.HandleRequest(context.Background(), req)
		if herr != nil {
			e.endSession(s, herr)
			return
		}

		serr := tl.AsyncWait(tl.SinkMessage(s, resp, time.Time{}), func(err error) {
			if err != nil {
				e.endSession(s, err)
				return
			}
			e.sourceNext(s)
		})
		if serr != nil {
			e.endSession(s, serr)
		}
	})
	if err != nil {
		e.endSession(s, err)
	}
}

// HandleRequest produces the response for one received message
func (e *echoService) HandleRequest(_ context.Context, req *common.Message) (*common.Message, error) {
	switch req.OpCode() {
	case common.OpPing:
		return common.NewPong(req), nil
	default:
		return common.NewReply(req, req.Body()), nil
	}
}

func (e *echoService) endSession(s transport.ISession, err error) {
	if _, ok := e.sessions.LoadAndDelete(s.ID()); !ok {
		return
	}
	if err != nil {
		echoLogger.Debugf("session %d from %s ended: %v", s.ID(), s.Remote(), err)
	} else {
		echoLogger.Debugf("session %d from %s ended", s.ID(), s.Remote())
	}
	s.TransportLayer().End(s)
}

// EndAllSessions releases every tracked session whose tags intersect the
// given mask
func (e *echoService) EndAllSessions(tags transport.SessionTags) {
	e.sessions.Range(func(_ uint64, s transport.ISession) bool {
		if s.Tags()&tags != 0 {
			e.endSession(s, nil)
		}
		return true
	})
}
