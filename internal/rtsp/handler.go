package rtsp

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/bluenviron/gortsplib/v4/pkg/base"
)

var publicMethods = strings.Join([]string{
	string(MethodOptions),
	string(MethodDescribe),
	string(MethodSetup),
	string(MethodPlay),
	string(MethodPause),
	string(MethodTeardown),
	string(MethodGetParameter),
	string(MethodSetParameter),
}, ", ")

// handle answers one request. It runs on the main loop goroutine.
func (s *Server) handle(conn net.Conn, req *Request) *Response {
	var resp *Response
	if req.CSeq < 0 {
		resp = NewResponse(StatusBadRequest)
	} else {
		resp = s.dispatch(conn, req)
	}

	if req.CSeq >= 0 {
		resp.SetCSeq(req.CSeq)
	}
	resp.SetHeader(HeaderServer, serverName)
	return resp
}

func (s *Server) dispatch(conn net.Conn, req *Request) *Response {
	switch req.Method {
	case MethodOptions:
		return s.handleOptions(req)
	case MethodDescribe:
		return s.handleDescribe(conn, req)
	case MethodSetup:
		return s.handleSetup(conn, req)
	case MethodPlay:
		return s.handlePlay(req)
	case MethodPause:
		return s.handlePause(req)
	case MethodTeardown:
		return s.handleTeardown(req)
	case MethodGetParameter, MethodSetParameter:
		return s.handleParameter(req)
	default:
		return NewResponse(StatusNotImplemented)
	}
}

func (s *Server) handleOptions(req *Request) *Response {
	resp := NewResponse(StatusOK)
	resp.SetHeader(HeaderPublic, publicMethods)
	return resp
}

func (s *Server) handleDescribe(conn net.Conn, req *Request) *Response {
	factory, mountPath, ok := s.mounts.Match(req.Path())
	if !ok {
		return NewResponse(StatusNotFound)
	}

	media, err := s.constructMedia(factory)
	if err != nil {
		s.logger.Error("Failed to prepare media",
			slog.String("mount", mountPath),
			slog.String("error", err.Error()),
		)
		return NewResponse(StatusServiceUnavailable)
	}

	sdp, err := media.SDP(hostOf(conn.LocalAddr()))

	// Unshared media only lives for the session that sets it up
	if !media.Shared() {
		s.discardMedia(media)
	}

	if err != nil {
		s.logger.Error("Failed to describe media",
			slog.String("mount", mountPath),
			slog.String("error", err.Error()),
		)
		return NewResponse(StatusInternalServerError)
	}

	resp := NewResponse(StatusOK)
	resp.SetHeader(HeaderContentType, "application/sdp")
	resp.SetHeader(HeaderContentBase, strings.TrimSuffix(req.URI(), "/")+"/")
	resp.Body = sdp
	return resp
}

// streamIndex resolves the stream addressed by a SETUP path under mountPath
func streamIndex(path, mountPath string, streams int) (int, base.StatusCode) {
	rest := strings.Trim(strings.TrimPrefix(normalizePath(path), mountPath), "/")
	if rest == "" {
		if streams == 1 {
			return 0, StatusOK
		}
		return 0, StatusAggregateNotAllowed
	}

	raw, ok := strings.CutPrefix(rest, "stream=")
	if !ok {
		return 0, StatusNotFound
	}
	index, err := strconv.Atoi(raw)
	if err != nil || index < 0 || index >= streams {
		return 0, StatusNotFound
	}
	return index, StatusOK
}

func (s *Server) handleSetup(conn net.Conn, req *Request) *Response {
	path := req.Path()
	factory, mountPath, ok := s.mounts.Match(path)
	if !ok {
		return NewResponse(StatusNotFound)
	}

	var session *Session
	if id := req.SessionID(); id != "" {
		if session, ok = s.pool.Find(id); !ok {
			return NewResponse(StatusSessionNotFound)
		}
	}

	transport, err := Negotiate(ParseTransports(req.GetHeader(HeaderTransport)), factory.Profiles())
	if err != nil {
		s.logger.Info("No acceptable transport",
			slog.String("transport", req.GetHeader(HeaderTransport)),
			slog.String("profiles", factory.Profiles().String()),
		)
		return NewResponse(StatusUnsupportedTransport)
	}

	var media *Media
	if session != nil {
		media = session.media
	}
	if media == nil {
		if media, err = s.constructMedia(factory); err != nil {
			s.logger.Error("Failed to prepare media",
				slog.String("mount", mountPath),
				slog.String("error", err.Error()),
			)
			return NewResponse(StatusServiceUnavailable)
		}
	}

	index, status := streamIndex(path, mountPath, len(media.Streams()))
	if status != StatusOK {
		if session == nil && !media.Shared() {
			s.discardMedia(media)
		}
		return NewResponse(status)
	}

	if session == nil {
		if session, err = s.pool.Create(mountPath, hostOf(conn.RemoteAddr())); err != nil {
			if !media.Shared() {
				s.discardMedia(media)
			}
			if errors.Is(err, ErrSessionLimit) {
				return NewResponse(StatusNotEnoughBandwidth)
			}
			return NewResponse(StatusInternalServerError)
		}
		session.media = media
	}

	session.transports[index] = transport
	if session.State == StateInit {
		session.State = StateReady
	}

	if session.State == StatePlaying {
		if err := media.SetClients(session.ID, session.destinations()); err != nil {
			s.logger.Error("Failed to update pipeline", slog.String("error", err.Error()))
			return NewResponse(StatusInternalServerError)
		}
	}

	resp := NewResponse(StatusOK)
	resp.SetHeader(HeaderTransport, transport.Reply(media.serverPorts(index)))
	resp.SetHeader(HeaderSession, sessionHeader(session))
	return resp
}

// sessionFor resolves the session a request refers to
func (s *Server) sessionFor(req *Request) (*Session, *Response) {
	id := req.SessionID()
	if id == "" {
		return nil, NewResponse(StatusSessionNotFound)
	}
	session, ok := s.pool.Find(id)
	if !ok {
		return nil, NewResponse(StatusSessionNotFound)
	}
	return session, nil
}

func (s *Server) handlePlay(req *Request) *Response {
	session, errResp := s.sessionFor(req)
	if errResp != nil {
		return errResp
	}
	if session.State == StateInit || session.media == nil {
		return NewResponse(StatusMethodNotValidInThisState)
	}

	if err := session.media.SetClients(session.ID, session.destinations()); err != nil {
		s.logger.Error("Failed to start pipeline",
			slog.String("session_id", session.ID),
			slog.String("error", err.Error()),
		)
		return NewResponse(StatusInternalServerError)
	}
	session.State = StatePlaying

	control := strings.TrimSuffix(req.URI(), "/")
	var info []string
	for _, stream := range session.Info().Streams {
		info = append(info, fmt.Sprintf("url=%s/stream=%d", control, stream))
	}

	resp := NewResponse(StatusOK)
	resp.SetHeader(HeaderSession, sessionHeader(session))
	resp.SetHeader(HeaderRange, "npt=now-")
	resp.SetHeader(HeaderRTPInfo, strings.Join(info, ","))
	return resp
}

func (s *Server) handlePause(req *Request) *Response {
	session, errResp := s.sessionFor(req)
	if errResp != nil {
		return errResp
	}

	switch session.State {
	case StateInit:
		return NewResponse(StatusMethodNotValidInThisState)
	case StatePlaying:
		if err := session.media.RemoveClients(session.ID); err != nil {
			s.logger.Error("Failed to update pipeline", slog.String("error", err.Error()))
			return NewResponse(StatusInternalServerError)
		}
		session.State = StateReady
	}

	resp := NewResponse(StatusOK)
	resp.SetHeader(HeaderSession, sessionHeader(session))
	return resp
}

func (s *Server) handleTeardown(req *Request) *Response {
	session, errResp := s.sessionFor(req)
	if errResp != nil {
		return errResp
	}

	s.pool.Remove(session.ID)

	resp := NewResponse(StatusOK)
	resp.SetHeader(HeaderSession, session.ID)
	return resp
}

// handleParameter serves GET_PARAMETER and SET_PARAMETER as keep-alives.
// No parameters are supported.
func (s *Server) handleParameter(req *Request) *Response {
	var session *Session
	if req.SessionID() != "" {
		var errResp *Response
		if session, errResp = s.sessionFor(req); errResp != nil {
			return errResp
		}
	}

	if req.Method == MethodSetParameter && len(strings.TrimSpace(string(req.Body))) > 0 {
		return NewResponse(StatusParameterNotUnderstood)
	}

	resp := NewResponse(StatusOK)
	if session != nil {
		resp.SetHeader(HeaderSession, sessionHeader(session))
	}
	return resp
}

func (s *Server) discardMedia(media *Media) {
	media.Close()
	s.mu.Lock()
	delete(s.medias, media)
	s.mu.Unlock()
}

func sessionHeader(session *Session) string {
	return fmt.Sprintf("%s;timeout=%d", session.ID, int(session.Timeout.Seconds()))
}

func hostOf(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
