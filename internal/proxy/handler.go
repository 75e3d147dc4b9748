package proxy

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lunarfang/ccbridge/internal/apierrors"
	"github.com/lunarfang/ccbridge/internal/claude"
	"github.com/lunarfang/ccbridge/internal/json"
	log "github.com/lunarfang/ccbridge/internal/logging"
	"github.com/lunarfang/ccbridge/internal/sseutil"
	"github.com/lunarfang/ccbridge/internal/stream"
	"github.com/lunarfang/ccbridge/internal/streamutil"
	"github.com/lunarfang/ccbridge/internal/transform"
	"github.com/lunarfang/ccbridge/internal/usage"
	"github.com/tidwall/sjson"
)

// scanner buffer sizing for upstream SSE lines; tool-argument fragments can
// make individual lines large.
const (
	scanInitialBuf = 64 * 1024
	scanMaxBuf     = 10 << 20
)

// defaultStallWindow bounds how long a streamed turn may go without any
// upstream bytes when no request timeout is configured.
const defaultStallWindow = 120 * time.Second

// handleMessages is the proxy endpoint. The body cap is enforced before any
// JSON parsing; malformed JSON never reaches the upstream.
func (s *Server) handleMessages(c *gin.Context) {
	if c.Request.ContentLength > s.cfg.MaxBodyBytes {
		writeError(c, apierrors.ErrBodyTooLarge)
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, s.cfg.MaxBodyBytes+1))
	if err != nil {
		writeError(c, apierrors.Classify(err))
		return
	}
	if int64(len(body)) > s.cfg.MaxBodyBytes {
		writeError(c, apierrors.ErrBodyTooLarge)
		return
	}
	if !json.Valid(body) {
		writeError(c, apierrors.ErrInvalidJSON)
		return
	}

	result := s.transformer.TransformRequest(body)
	if result.Err != nil {
		log.WithError(result.Err).Warnf("request transform degraded to passthrough")
	}

	if result.Stream {
		s.streamTurn(c, result)
	} else {
		s.bufferedTurn(c, result)
	}
}

func (s *Server) bufferedTurn(c *gin.Context, result *transform.RequestResult) {
	start := time.Now()

	data, err := s.upstream.DoBuffered(c.Request.Context(), result.UpstreamBody)
	if err != nil {
		s.recordTurn(result, nil, false, true, start)
		writeError(c, apierrors.Classify(err))
		return
	}

	resp := s.transformer.TransformResponse(data, result.Model)
	s.recordTurn(result, &resp.Usage, false, false, start)
	c.JSON(http.StatusOK, resp)
}

// streamTurn drives a streamed exchange. If the upstream attempt fails
// before any downstream byte is written, it falls back to one buffered
// attempt; after the first byte, failures surface as an in-band error event
// followed by a clean stream close.
func (s *Server) streamTurn(c *gin.Context, result *transform.RequestResult) {
	start := time.Now()

	resp, breakerDone, err := s.upstream.DoStream(c.Request.Context(), result.UpstreamBody)
	if err != nil {
		log.WithError(err).Warnf("stream attempt failed before response, trying buffered fallback")
		s.fallbackBuffered(c, result, start)
		return
	}
	defer resp.Body.Close()

	writeSSEHeaders(c)
	flusher, _ := c.Writer.(http.Flusher)

	parser := stream.NewParser(result.Model, s.cfg.LoopGuardThreshold)
	pipeline := streamutil.NewPipeline(c.Request.Context(), 128, nil)

	stallWindow := s.cfg.RequestTimeout
	if stallWindow <= 0 {
		stallWindow = defaultStallWindow
	}
	// Closing the body is what actually unblocks a producer stuck reading a
	// silent upstream; cancelling the pipeline context alone cannot.
	touch, watchDone := s.stalls.Watch(stallWindow, func() {
		resp.Body.Close()
		pipeline.Cancel()
	})
	defer watchDone()

	pipeline.Go(func(ctx context.Context) error {
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, scanInitialBuf), scanMaxBuf)

		for scanner.Scan() {
			touch()
			line := scanner.Bytes()
			if sseutil.IsDone(line) {
				break
			}
			payload := sseutil.JSONPayload(line)
			if payload == nil {
				continue
			}
			for _, event := range parser.ProcessLine(payload) {
				if !pipeline.SendData(event) {
					return ctx.Err()
				}
			}
			if parser.Finalized() {
				break
			}
		}
		if err := scanner.Err(); err != nil {
			return err
		}
		for _, event := range parser.ProcessDone() {
			if !pipeline.SendData(event) {
				return ctx.Err()
			}
		}
		return nil
	})
	pipeline.Start()

	wrote := false
	writeFailed := false
	for chunk := range pipeline.Output() {
		if _, err := c.Writer.Write(chunk.Data); err != nil {
			writeFailed = true
			pipeline.Cancel()
			break
		}
		if flusher != nil {
			flusher.Flush()
		}
		wrote = true
	}
	streamErr := pipeline.Close()

	if streamErr != nil && !wrote && !writeFailed {
		// Nothing reached the caller yet; headers are still ours to change.
		resp.Body.Close()
		breakerDone(false)
		log.WithError(streamErr).Warnf("stream died before first byte, trying buffered fallback")
		s.fallbackBuffered(c, result, start)
		return
	}

	if streamErr != nil && !writeFailed {
		apiErr := apierrors.Classify(streamErr)
		c.Writer.Write(claude.BuildErrorSSE(apiErr.Type, apiErr.Message))
		for _, event := range parser.ProcessDone() {
			c.Writer.Write(event)
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	// A failed downstream write means the client went away; that is not an
	// upstream fault and must not count against the breaker.
	breakerDone(streamErr == nil || writeFailed)
	s.recordTurn(result, parser.Usage(), true, streamErr != nil, start)
}

// fallbackBuffered is the one-shot buffered retry for streamed turns that
// failed before producing output. The downstream still receives SSE,
// synthesized from the complete response.
func (s *Server) fallbackBuffered(c *gin.Context, result *transform.RequestResult, start time.Time) {
	body, err := sjson.SetBytes(result.UpstreamBody, "stream", false)
	if err != nil {
		body = result.UpstreamBody
	}

	data, err := s.upstream.DoBuffered(c.Request.Context(), body)
	if err != nil {
		s.recordTurn(result, nil, true, true, start)
		writeError(c, apierrors.Classify(err))
		return
	}

	resp := s.transformer.TransformResponse(data, result.Model)
	writeSSEHeaders(c)
	flusher, _ := c.Writer.(http.Flusher)
	for _, event := range synthesizeSSE(resp) {
		c.Writer.Write(event)
	}
	if flusher != nil {
		flusher.Flush()
	}
	s.recordTurn(result, &resp.Usage, true, false, start)
}

// synthesizeSSE replays a complete response as the streamed event sequence.
func synthesizeSSE(resp *claude.MessageResponse) [][]byte {
	events := [][]byte{claude.BuildMessageStartSSE(resp.ID, resp.Model)}

	for i, block := range resp.Content {
		switch block.Type {
		case claude.BlockThinking:
			events = append(events, claude.BuildThinkingBlockStartSSE(i))
			if block.Thinking != "" {
				events = append(events, claude.BuildThinkingDeltaSSE(i, block.Thinking))
			}
			if block.Signature != "" {
				events = append(events, claude.BuildSignatureDeltaSSE(i, block.Signature))
			}
		case claude.BlockText:
			events = append(events, claude.BuildTextBlockStartSSE(i))
			if block.Text != "" {
				events = append(events, claude.BuildTextDeltaSSE(i, block.Text))
			}
		case claude.BlockToolUse:
			events = append(events, claude.BuildToolUseBlockStartSSE(i, block.ID, block.Name))
			if len(block.Input) > 0 {
				if args, err := json.Marshal(block.Input); err == nil {
					events = append(events, claude.BuildInputJSONDeltaSSE(i, string(args)))
				}
			}
		}
		events = append(events, claude.BuildBlockStopSSE(i))
	}

	events = append(events,
		claude.BuildMessageDeltaSSE(resp.StopReason, &resp.Usage),
		claude.BuildMessageStopSSE(),
	)
	return events
}

func (s *Server) recordTurn(result *transform.RequestResult, u *claude.Usage, streamed, failed bool, start time.Time) {
	rec := usage.Record{
		Model:         result.Model,
		UpstreamModel: result.UpstreamModel,
		Streamed:      streamed,
		Failed:        failed,
		RequestedAt:   start,
		ElapsedMS:     time.Since(start).Milliseconds(),
	}
	if u != nil {
		rec.InputTokens = u.InputTokens
		rec.OutputTokens = u.OutputTokens
	}
	s.recorder.Enqueue(rec)
}

func writeSSEHeaders(c *gin.Context) {
	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
}

func writeError(c *gin.Context, apiErr *apierrors.APIError) {
	c.JSON(apiErr.HTTPStatus, claude.ErrorBody{
		Type:  "error",
		Error: claude.ErrorDetail{Type: apiErr.Type, Message: apiErr.Message},
	})
}
