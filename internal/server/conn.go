package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/zulfikawr/ferry/internal/logging"
	"github.com/zulfikawr/ferry/internal/metrics"
	"github.com/zulfikawr/ferry/internal/protoerr"
	"github.com/zulfikawr/ferry/internal/wire"
)

// handleConn is the per-connection pump: read bytes, extract frames,
// dispatch, write responses in order. A connection's frames are strictly
// serialized; when the socket closes, every session it still owns is
// released.
func (s *Server) handleConn(conn net.Conn) {
	clientID := conn.RemoteAddr().String()
	metrics.ConnectionsTotal.Inc()
	metrics.ActiveConnections.Inc()
	logging.Debug("Connection accepted", zap.String("client_id", clientID))

	defer func() {
		_ = conn.Close()
		// Best-effort sweep of every session this client owned
		s.uploads.ReleaseClient(clientID)
		s.downloads.ReleaseClient(clientID)
		metrics.ActiveConnections.Dec()
		logging.Debug("Connection closed", zap.String("client_id", clientID))
		s.wg.Done()
	}()

	var writer io.Writer = conn
	if limiter := s.limiters.get(clientIP(clientID)); limiter != nil {
		writer = &RateLimitedWriter{w: conn, limiter: limiter}
	}

	var buf []byte
	readBuf := make([]byte, ReadChunkSize)
	for {
		n, err := conn.Read(readBuf)
		if n > 0 {
			buf = append(buf, readBuf[:n]...)
			buf = s.drainFrames(writer, clientID, buf)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logging.Warn("Connection read error",
					zap.String("client_id", clientID), zap.Error(err))
			}
			return
		}
	}
}

// drainFrames extracts and serves every complete frame in buf, returning
// the unconsumed remainder.
func (s *Server) drainFrames(writer io.Writer, clientID string, buf []byte) []byte {
	for {
		frame, consumed, err := wire.ScanFrame(buf)
		if consumed > 0 {
			buf = buf[consumed:]
		}
		if err != nil {
			reason := "resync"
			switch {
			case errors.Is(err, wire.ErrOversized):
				reason = "oversized"
			case errors.Is(err, wire.ErrBadTrailer):
				reason = "bad_trailer"
			}
			metrics.FrameErrorsTotal.WithLabelValues(reason).Inc()
			logging.Warn("Framing defect; resyncing to next magic",
				zap.String("client_id", clientID), zap.Error(err))
			continue
		}
		if frame == nil {
			return buf
		}
		s.serveFrame(writer, clientID, frame)
	}
}

// serveFrame runs one frame through decode, dispatch, encode, write.
func (s *Server) serveFrame(writer io.Writer, clientID string, frame *wire.Frame) {
	metrics.FramesTotal.WithLabelValues("in").Inc()
	metrics.FrameBytes.WithLabelValues("in").Observe(float64(len(frame.Payload)))

	if frame.CRCMismatch {
		// Reference behavior: log the mismatch, serve the frame anyway
		metrics.FrameErrorsTotal.WithLabelValues("crc_mismatch").Inc()
		logging.Warn("Frame CRC mismatch (accepted)",
			zap.String("client_id", clientID),
			zap.Uint16("seq", frame.Seq))
	}

	var resp *wire.Response
	if frame.Format != wire.FormatBinarySchema {
		metrics.FrameErrorsTotal.WithLabelValues("bad_format").Inc()
		resp = &wire.Response{
			Success:   false,
			Message:   fmt.Sprintf("unsupported format tag 0x%02x; only 0x02 binary-schema is accepted", frame.Format),
			Status:    string(protoerr.KindUnsupportedFormat),
			Timestamp: time.Now().UnixMilli(),
		}
	} else {
		req := wire.DecodeRequest(frame.Payload)
		logging.Debug("Frame dispatched",
			zap.String("client_id", clientID),
			zap.Uint16("seq", frame.Seq),
			zap.String("op", req.Operation.String()))
		resp = s.dispatcher.Dispatch(clientID, req)
	}

	payload := wire.EncodeResponse(resp)
	out := wire.EncodeFrame(&wire.Frame{
		Seq:     frame.Seq, // response repeats the request sequence
		Op:      frame.Op,
		Format:  wire.FormatBinarySchema,
		Payload: payload,
	})
	if _, err := writer.Write(out); err != nil {
		logging.Warn("Response write failed",
			zap.String("client_id", clientID), zap.Error(err))
		return
	}
	metrics.FramesTotal.WithLabelValues("out").Inc()
	metrics.FrameBytes.WithLabelValues("out").Observe(float64(len(payload)))
}

// clientIP strips the port from a host:port client id.
func clientIP(clientID string) string {
	host, _, err := net.SplitHostPort(clientID)
	if err != nil {
		return clientID
	}
	return host
}
