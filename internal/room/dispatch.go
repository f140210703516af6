package room

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"collabtext/collabd/internal/debug"
	"collabtext/collabd/internal/document"
	"collabtext/collabd/internal/metrics"
	"collabtext/collabd/internal/protocol"
	"collabtext/collabd/internal/reconcile"
	"collabtext/collabd/internal/sandbox"
	"collabtext/collabd/internal/session"
	"collabtext/collabd/internal/storage"
)

const (
	toolTimeout     = 2 * time.Minute
	evaluateTimeout = 5 * time.Second
)

// dispatch handles one frame on the room goroutine.
func (r *Room) dispatch(s *session.Session, in protocol.Inbound, received time.Time) {
	defer r.c.deps.Metrics.ObserveDispatch(string(in.Type), received)

	_, span := r.c.tracer.Start(context.Background(), "room.dispatch",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("room.id", r.id),
			attribute.String("session.id", s.ID),
			attribute.String("message.type", string(in.Type)),
		),
	)
	defer span.End()

	if err := r.handle(s, in); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.reject(s, in.Type, err)
	}
}

func (r *Room) handle(s *session.Session, in protocol.Inbound) error {
	switch in.Type {
	case protocol.TypeCodeUpdate:
		return r.handleCodeUpdate(s, in)
	case protocol.TypeCursorUpdate:
		return r.handleCursor(s, in)
	case protocol.TypeRequestLatest:
		r.sendState(s)
		return nil
	case protocol.TypeFileUpdate:
		return r.handleFileUpdate(s, in)
	case protocol.TypeLanguageChange:
		return r.handleLanguage(in)
	case protocol.TypeChatMessage:
		return r.handleChat(s, in)
	case protocol.TypeDebugStart:
		return r.handleDebugStart(in)
	case protocol.TypeDebugCommand:
		var msg protocol.DebugCommand
		if err := in.Bind(&msg); err != nil {
			return err
		}
		return r.debug.Command(msg.Command)
	case protocol.TypeDebugBreakpoints:
		return r.handleBreakpoints(in)
	case protocol.TypeRunCode:
		return r.handleRun(s, in)
	case protocol.TypeFormatRequest:
		return r.handleFormat(s, in)
	case protocol.TypeLintRequest:
		return r.handleLint(s, in)
	}
	return fmt.Errorf("%w: %q", ErrUnknownType, in.Type)
}

// reject reports err to the session that caused it.
func (r *Room) reject(s *session.Session, t protocol.Type, err error) {
	code := codeFor(err)
	if code == protocol.CodeInternal {
		r.log.Error().Err(err).Str("session", s.ID).Str("type", string(t)).Msg("dispatch failed")
	} else {
		r.log.Debug().Err(err).Str("session", s.ID).Str("type", string(t)).Msg("rejected")
	}
	r.deliver(s, protocol.ErrorFrame(code, err.Error()))
}

func (r *Room) handleCodeUpdate(s *session.Session, in protocol.Inbound) error {
	var msg protocol.CodeUpdate
	if err := in.Bind(&msg); err != nil {
		return err
	}
	if msg.FileID == "" {
		msg.FileID = msg.Op.FileID
	}
	if msg.FileID == "" {
		return fmt.Errorf("%w: missing fileId", protocol.ErrInvalidOperation)
	}
	msg.Op.FileID = msg.FileID
	return r.applyEdit(s, msg.Op, false)
}

// applyEdit submits op on behalf of s. The origin gets an ack, or the op
// itself when it was rewritten or when toAll is set.
func (r *Room) applyEdit(s *session.Session, op protocol.Operation, toAll bool) error {
	op.SessionID = s.ID
	op.Rank = s.JoinOrder

	edits := r.c.deps.Metrics.Edits
	res, err := r.rec.Submit(op)
	if err != nil {
		if errors.Is(err, reconcile.ErrDuplicate) {
			edits.WithLabelValues(metrics.EditDuplicate).Inc()
		} else {
			edits.WithLabelValues(metrics.EditRejected).Inc()
		}
		return err
	}
	edits.WithLabelValues(r.editOutcome(res)).Inc()
	r.markDirty(op.FileID)
	r.shiftCursors(s.ID, res)

	update := protocol.CodeUpdate{FileID: op.FileID, Op: res.Op}
	if res.Transformed || toAll {
		r.Broadcast(protocol.TypeCodeUpdate, update)
	} else {
		r.broadcastExcept(protocol.TypeCodeUpdate, update, s.ID)
		r.send(s, protocol.TypeCodeAck, protocol.CodeAck{
			FileID:    op.FileID,
			Seq:       res.Op.Seq,
			ClientSeq: res.Op.ClientSeq,
		})
	}
	r.debug.DocumentChanged(op.FileID, res.Op.Seq)
	return nil
}

// shiftCursors carries the stored cursors in the edited file past the accepted
// op, so room_state shows them where their owners' editors put them.
func (r *Room) shiftCursors(author string, res reconcile.Result) {
	if res.Op.IsNoop() {
		return
	}
	before, err := document.ApplyTo(res.Content, res.Op.Inverse())
	if err != nil {
		r.log.Warn().Err(err).Str("file", res.Op.FileID).Int64("seq", res.Op.Seq).Msg("cursor shift skipped")
		return
	}
	r.c.sessions.ShiftCursors(r.id, res.Op.FileID, func(sessionID string, pos protocol.Position) protocol.Position {
		off := reconcile.ShiftOffset(document.Offset(before, pos), res.Op, sessionID == author)
		return document.PositionAt(res.Content, off)
	})
}

func (r *Room) handleCursor(s *session.Session, in protocol.Inbound) error {
	var msg protocol.CursorUpdate
	if err := in.Bind(&msg); err != nil {
		return err
	}
	msg.SessionID = s.ID
	if err := r.c.sessions.UpdateCursor(s.ID, msg); err != nil {
		// The session left while this frame was queued.
		return nil
	}
	r.broadcastExcept(protocol.TypeCursorUpdate, msg, s.ID)
	return nil
}

func (r *Room) handleFileUpdate(s *session.Session, in protocol.Inbound) error {
	var msg protocol.FileUpdatePayload
	if err := in.Bind(&msg); err != nil {
		return err
	}
	docs := r.c.docs

	switch msg.Action {
	case protocol.FileCreate:
		fileID, err := storage.CleanPath(msg.FileID)
		if err != nil {
			return err
		}
		op, err := docs.Create(r.id, fileID, msg.Content)
		if err != nil {
			return err
		}
		r.rec.ForgetFile(fileID)
		r.markDirty(fileID)
		r.Broadcast(protocol.TypeFileUpdate, protocol.FileUpdatePayload{
			Action:  protocol.FileCreate,
			FileID:  fileID,
			Content: msg.Content,
			Seq:     op.Seq,
			User:    s.ParticipantID,
		})

	case protocol.FileUpdate:
		if _, _, err := docs.Read(r.id, msg.FileID); err != nil {
			return err
		}
		return r.applyEdit(s, protocol.Operation{
			FileID:    msg.FileID,
			Kind:      protocol.OpReplace,
			Text:      msg.Content,
			Timestamp: time.Now().UTC(),
		}, true)

	case protocol.FileDelete:
		if err := docs.Remove(r.id, msg.FileID); err != nil {
			return err
		}
		r.rec.ForgetFile(msg.FileID)
		r.markDeleted(msg.FileID)
		r.debug.FileRemoved(msg.FileID)
		r.Broadcast(protocol.TypeFileUpdate, protocol.FileUpdatePayload{
			Action: protocol.FileDelete,
			FileID: msg.FileID,
			User:   s.ParticipantID,
		})

	case protocol.FileRename:
		to, err := storage.CleanPath(msg.NewFileID)
		if err != nil {
			return err
		}
		if err := docs.Rename(r.id, msg.FileID, to); err != nil {
			return err
		}
		r.rec.ForgetFile(msg.FileID)
		r.rec.ForgetFile(to)
		r.markDeleted(msg.FileID)
		r.markDirty(to)
		r.debug.FileRenamed(msg.FileID, to)
		r.Broadcast(protocol.TypeFileUpdate, protocol.FileUpdatePayload{
			Action:    protocol.FileRename,
			FileID:    msg.FileID,
			NewFileID: to,
			User:      s.ParticipantID,
		})

	default:
		return fmt.Errorf("%w: %q", ErrInvalidAction, msg.Action)
	}
	return nil
}

func (r *Room) handleLanguage(in protocol.Inbound) error {
	var msg protocol.LanguageChange
	if err := in.Bind(&msg); err != nil {
		return err
	}
	if msg.Language == "" {
		return fmt.Errorf("%w: empty language", protocol.ErrMalformed)
	}
	r.setLanguage(msg.Language)
	r.Broadcast(protocol.TypeLanguageChange, msg)
	return nil
}

func (r *Room) handleChat(s *session.Session, in protocol.Inbound) error {
	var msg protocol.ChatMessage
	if err := in.Bind(&msg); err != nil {
		return err
	}
	if msg.Message == "" {
		return fmt.Errorf("%w: empty chat message", protocol.ErrMalformed)
	}
	now := time.Now().UTC()
	msg.ID = ulid.Make().String()
	msg.User = s.ParticipantID
	msg.Timestamp = now

	r.chat = append(r.chat, msg)
	if limit := r.c.cfg.ChatHistory; len(r.chat) > limit {
		r.chat = append([]protocol.ChatMessage(nil), r.chat[len(r.chat)-limit:]...)
	}
	r.Broadcast(protocol.TypeChatMessage, msg)
	return nil
}

func (r *Room) handleDebugStart(in protocol.Inbound) error {
	var msg protocol.DebugStart
	if err := in.Bind(&msg); err != nil {
		return err
	}
	if r.c.deps.Launcher == nil {
		return fmt.Errorf("%w: debugging", ErrUnavailable)
	}
	code := msg.Code
	if code == "" {
		content, _, err := r.c.docs.Read(r.id, msg.FileID)
		if err != nil {
			return err
		}
		code = content
	}
	lang := msg.Language
	if lang == "" {
		lang = languageFor(msg.FileID, r.Language())
	}

	err := r.debug.Start(debug.LaunchRequest{
		RoomID:      r.id,
		FileID:      msg.FileID,
		Code:        code,
		Language:    lang,
		Breakpoints: msg.Breakpoints,
	})
	if err != nil {
		return err
	}
	if msg.Breakpoints != nil {
		r.Broadcast(protocol.TypeDebugBreakpoints, protocol.DebugBreakpoints{Breakpoints: r.debug.Breakpoints()})
	}
	return nil
}

func (r *Room) handleBreakpoints(in protocol.Inbound) error {
	var msg protocol.DebugBreakpoints
	if err := in.Bind(&msg); err != nil {
		return err
	}

	var err error
	switch {
	case msg.Breakpoints != nil:
		err = r.debug.SetBreakpoints(msg.Breakpoints)
	case msg.Enabled != nil:
		var changed bool
		changed, err = r.debug.ToggleBreakpoint(protocol.Breakpoint{FileID: msg.FileID, Line: msg.Line}, *msg.Enabled)
		if err == nil && !changed {
			return nil
		}
	default:
		return fmt.Errorf("%w: breakpoints or enabled required", protocol.ErrMalformed)
	}
	r.Broadcast(protocol.TypeDebugBreakpoints, protocol.DebugBreakpoints{Breakpoints: r.debug.Breakpoints()})
	if err != nil && !errors.Is(err, debug.ErrUnsupported) {
		return err
	}
	return nil
}

// query answers debug_variables and debug_evaluate on the connection's
// goroutine from the manager's snapshot.
func (r *Room) query(ctx context.Context, s *session.Session, in protocol.Inbound) {
	var err error
	switch in.Type {
	case protocol.TypeDebugVariables:
		var vars protocol.DebugVariables
		if vars, err = r.debug.Variables(); err == nil {
			r.send(s, protocol.TypeDebugVariables, vars)
		}
	case protocol.TypeDebugEvaluate:
		var msg protocol.DebugEvaluate
		if err = in.Bind(&msg); err != nil {
			break
		}
		ctx, cancel := context.WithTimeout(ctx, evaluateTimeout)
		defer cancel()
		if msg.Value, err = r.debug.Evaluate(ctx, msg.Expression); err == nil {
			r.send(s, protocol.TypeDebugEvaluate, msg)
		}
	}
	if err != nil {
		r.reject(s, in.Type, err)
	}
}

// snapshot reads a file with the language it should be run or checked as.
func (r *Room) snapshot(fileID, language string) (string, int64, string, error) {
	content, seq, err := r.c.docs.Read(r.id, fileID)
	if err != nil {
		return "", 0, "", err
	}
	if language == "" {
		language = languageFor(fileID, r.Language())
	}
	return content, seq, language, nil
}

func (r *Room) handleRun(s *session.Session, in protocol.Inbound) error {
	var msg protocol.RunCode
	if err := in.Bind(&msg); err != nil {
		return err
	}
	exec := r.c.deps.Executor
	if exec == nil {
		return fmt.Errorf("%w: run", ErrUnavailable)
	}
	code, _, lang, err := r.snapshot(msg.FileID, msg.Language)
	if err != nil {
		return err
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), toolTimeout)
		defer cancel()
		res, err := exec.Execute(ctx, code, lang)
		r.Post(func() {
			if err != nil {
				r.reject(s, protocol.TypeRunCode, err)
				return
			}
			r.Broadcast(protocol.TypeRunResult, runResult(s.ID, res))
		})
	}()
	return nil
}

func runResult(sessionID string, res sandbox.Result) protocol.RunResult {
	out := protocol.RunResult{
		SessionID: sessionID,
		Output:    res.Output,
		Error:     res.Error,
		ExitCode:  res.ExitCode,
	}
	if res.TimedOut && out.Error == "" {
		out.Error = "execution timed out"
	}
	return out
}

func (r *Room) handleFormat(s *session.Session, in protocol.Inbound) error {
	var msg protocol.ToolRequest
	if err := in.Bind(&msg); err != nil {
		return err
	}
	tools := r.c.deps.Tools
	if tools == nil {
		return fmt.Errorf("%w: format", ErrUnavailable)
	}
	code, seq, lang, err := r.snapshot(msg.FileID, "")
	if err != nil {
		return err
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), toolTimeout)
		defer cancel()
		formatted, err := tools.Format(ctx, msg.FileID, code, lang)
		r.Post(func() {
			if err == nil {
				err = r.applyFormat(s, msg.FileID, seq, code, formatted)
			}
			if err != nil {
				r.reject(s, protocol.TypeFormatRequest, err)
			}
		})
	}()
	return nil
}

// applyFormat turns the formatter's output into ranged edits. They are only
// applied if nobody edited the file while the formatter ran.
func (r *Room) applyFormat(s *session.Session, fileID string, seq int64, before, after string) error {
	_, cur, err := r.c.docs.Read(r.id, fileID)
	if err != nil {
		return err
	}
	if cur != seq {
		return fmt.Errorf("%w: %s at seq %d, now %d", ErrFormatStale, fileID, seq, cur)
	}
	base := seq
	for _, op := range reconcile.DiffOps(before, after) {
		op.FileID = fileID
		op.BaseSeq = base
		op.Timestamp = time.Now().UTC()
		if err := r.applyEdit(s, op, true); err != nil {
			return err
		}
		_, base, _ = r.c.docs.Read(r.id, fileID)
	}
	return nil
}

func (r *Room) handleLint(s *session.Session, in protocol.Inbound) error {
	var msg protocol.ToolRequest
	if err := in.Bind(&msg); err != nil {
		return err
	}
	tools := r.c.deps.Tools
	if tools == nil {
		return fmt.Errorf("%w: lint", ErrUnavailable)
	}
	code, _, lang, err := r.snapshot(msg.FileID, "")
	if err != nil {
		return err
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), toolTimeout)
		defer cancel()
		issues, err := tools.Lint(ctx, msg.FileID, code, lang)
		if err != nil {
			r.reject(s, protocol.TypeLintRequest, err)
			return
		}
		if issues == nil {
			issues = []protocol.Issue{}
		}
		r.send(s, protocol.TypeLintResult, protocol.LintResult{FileID: msg.FileID, Issues: issues})
	}()
	return nil
}
