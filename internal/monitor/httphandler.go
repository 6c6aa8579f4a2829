package monitor

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

type httpRespWriter struct {
	http.ResponseWriter
	logger *zap.Logger
}

func newHTTPRespWriter(logger *zap.Logger, resp http.ResponseWriter) *httpRespWriter {
	return &httpRespWriter{
		ResponseWriter: resp,
		logger:         logger,
	}
}

// WriteStr writes a string to the http response write.
// If an error happens, it is logged with info priority and false is returned.
// If it suceeded true is returned.
func (rw *httpRespWriter) WriteStr(str string) (wasSuccessful bool) {
	_, err := rw.ResponseWriter.Write([]byte(str))
	if err != nil {
		rw.logger.Info("sending http response failed", zap.Error(err))
		return false
	}

	return true
}

// HTTPHandlerList writes a plain text listing of the currently running
// monitoring sessions to the http response.
func (m *Monitor) HTTPHandlerList(respWr http.ResponseWriter, req *http.Request) {
	resp := newHTTPRespWriter(m.logger, respWr)

	resp.Header().Add("Content-Type", "text/plain")

	m.lock.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.lock.Unlock()

	if len(sessions) == 0 {
		resp.WriteStr("no monitoring sessions running\n")
		return
	}

	for _, session := range sessions {
		phase, phaseStart := session.currentPhase()

		success := resp.WriteStr(fmt.Sprintf(
			"Build: %-8d Pipeline: %s\n\tPhase: %s since %s\n\tStarted: %s, PRs: %d\n",
			session.buildID,
			session.params.Pipeline,
			phase,
			phaseStart.Format(time.RFC822),
			session.started.Format(time.RFC822),
			len(session.pullRequests()),
		))
		if !success {
			return
		}
	}
}
