package session

import (
	"context"
	"strings"

	"github.com/go-go-golems/arbor/pkg/client"
	"github.com/go-go-golems/arbor/pkg/conversation"
	"github.com/go-go-golems/arbor/pkg/events"
	"github.com/go-go-golems/arbor/pkg/media"
	"github.com/go-go-golems/arbor/pkg/settings"
	"github.com/go-go-golems/arbor/pkg/stream"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// plan is a generation whose messages are persisted and ready to stream.
type plan struct {
	chatID       string
	user         *conversation.Message
	placeholders []*conversation.Message
	// selectUser also makes the user message the choice at its parent.
	selectUser bool
	request    *client.Request
	settings   *settings.Settings
}

// preflight checks that a generation may start for chatID, the active chat
// when empty, and returns the settings it runs with. It fails with a
// ConfigurationError before any I/O. On success the session is composing
// until the generation starts streaming; release restores the previous
// state if it never does.
func (s *Session) preflight(op string, chatID string) (*settings.Settings, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if chatID == "" {
		chatID = s.activeChatID()
	}
	cfg := s.settings.Clone()
	if !cfg.HasCredential() {
		return nil, nil, &ConfigurationError{Reason: "no API key configured"}
	}
	if err := cfg.ValidateGeneration(); err != nil {
		return nil, nil, &ConfigurationError{Reason: err.Error()}
	}
	if s.state == StateComposing {
		return nil, nil, invalid(op, "another message is being composed")
	}
	if s.runningLocked(chatID) != nil {
		return nil, nil, invalid(op, "a generation is already running for chat %s", chatID)
	}

	previous := s.state
	s.state = StateComposing
	release := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.state == StateComposing {
			s.state = previous
		}
	}
	return cfg, release, nil
}

func (s *Session) setState(chatID string, state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeChatID() == chatID || chatID == "" {
		s.state = state
	}
}

func (s *Session) buildRequest(
	cfg *settings.Settings,
	content string,
	attachments []conversation.Attachment,
	prior conversation.Conversation,
	models []string,
	title string,
) (*client.Request, error) {
	entries, err := conversation.History(prior, conversation.DefaultHistoryConfig())
	if err != nil {
		return nil, errors.Wrap(err, "could not build history")
	}
	var requested []string
	for _, m := range models {
		if m != "" {
			requested = append(requested, m)
		}
	}
	systemPrompt, err := cfg.RenderSystemPrompt(settings.PromptData{
		Now:       s.now(),
		ChatTitle: title,
		Models:    requested,
	})
	if err != nil {
		return nil, &ConfigurationError{Reason: err.Error()}
	}
	return &client.Request{
		Message:      content,
		Attachments:  attachments,
		Mode:         cfg.Mode,
		Models:       requested,
		History:      client.HistoryMessages(entries),
		SystemPrompt: systemPrompt,
		ImageOptions: cfg.ImageOptionsOrNil(),
		WebSearch:    cfg.WebSearchOptionsOrNil(),
	}, nil
}

func (s *Session) newPlaceholders(chatID string, parentID string, base int, models []string) []*conversation.Message {
	ret := conversation.NewPlaceholders(chatID, parentID, base, models, s.now())
	for _, p := range ret {
		p.ID = s.newID()
	}
	return ret
}

// SendMessage appends a user message to the end of the visible path and
// streams one response per target model into placeholders created before
// the request starts. A fresh conversation is created and navigated to
// first. The returned Generation reports the outcome.
func (s *Session) SendMessage(ctx context.Context, content string, attachments []conversation.Attachment) (*Generation, error) {
	cfg, release, err := s.preflight("send", "")
	if err != nil {
		return nil, err
	}
	defer release()
	if strings.TrimSpace(content) == "" && len(attachments) == 0 {
		return nil, invalid("send", "message is empty")
	}

	gen, err := s.send(ctx, cfg, content, attachments)
	if err != nil {
		s.setState(s.ActiveChatID(), StateErrored)
		return nil, err
	}
	return gen, nil
}

func (s *Session) send(ctx context.Context, cfg *settings.Settings, content string, attachments []conversation.Attachment) (*Generation, error) {
	s.mu.Lock()
	chat := s.chat
	s.mu.Unlock()

	if chat == nil {
		chat = conversation.NewChat(s.newID())
		chat.CreatedAt = s.now()
		chat.UpdatedAt = chat.CreatedAt
		if err := s.store.PutChat(ctx, chat); err != nil {
			return nil, errors.Wrap(err, "could not create chat")
		}
		s.mu.Lock()
		s.chat = chat
		s.manager = conversation.NewManager(chat.ID, nil)
		s.mu.Unlock()
		s.registry.SetFocused(chat.ID)
		log.Debug().Str("chat_id", chat.ID).Msg("Created chat")
		if s.navigate != nil {
			s.navigate(chat.ID)
		}
	}

	s.mu.Lock()
	prior := append(conversation.Conversation{}, s.manager.GetConversation()...)
	parentID := s.manager.LeafID()
	s.mu.Unlock()

	siblings, err := s.store.ListChildren(ctx, chat.ID, parentID)
	if err != nil {
		return nil, errors.Wrap(err, "could not list siblings")
	}
	user, err := conversation.NewUserTurn(chat.ID, parentID, content, conversation.NextBranchIndex(siblings), attachments, s.now())
	if err != nil {
		return nil, invalid("send", "%s", err)
	}
	user.ID = s.newID()
	if err := s.store.PutMessage(ctx, user); err != nil {
		return nil, errors.Wrap(err, "could not save user message")
	}
	s.bumpStats(ctx, chat.ID, conversation.StatsDelta{Messages: 1})

	models := cfg.TargetModels()
	placeholders := s.newPlaceholders(chat.ID, user.ID, 0, models)
	for _, p := range placeholders {
		if err := s.store.PutMessage(ctx, p); err != nil {
			return nil, errors.Wrap(err, "could not save placeholder")
		}
	}

	req, err := s.buildRequest(cfg, content, attachments, prior, models, chat.Title)
	if err != nil {
		return nil, err
	}

	return s.start(ctx, &plan{
		chatID:       chat.ID,
		user:         user,
		placeholders: placeholders,
		selectUser:   true,
		request:      req,
		settings:     cfg,
	})
}

// EditAndRegenerate stores newContent as a new sibling version of a user
// message, selects it and regenerates the response to it. The original
// message is left untouched.
func (s *Session) EditAndRegenerate(ctx context.Context, messageID string, newContent string) (*Generation, error) {
	original, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, invalid("edit", "message %s not found", messageID)
	}
	if original.Role != conversation.RoleUser {
		return nil, invalid("edit", "message %s is not a user message", messageID)
	}
	cfg, release, err := s.preflight("edit", original.ChatID)
	if err != nil {
		return nil, err
	}
	defer release()
	if s.ActiveChatID() != original.ChatID {
		return nil, invalid("edit", "message %s is not in the active chat", messageID)
	}

	siblings, err := s.store.ListChildren(ctx, original.ChatID, original.ParentID)
	if err != nil {
		return nil, errors.Wrap(err, "could not list siblings")
	}
	edited, err := conversation.NewEditedSibling(original, newContent, conversation.NextBranchIndex(siblings), s.now())
	if err != nil {
		return nil, invalid("edit", "%s", err)
	}
	edited.ID = s.newID()
	if err := s.store.PutMessage(ctx, edited); err != nil {
		return nil, errors.Wrap(err, "could not save edited message")
	}
	s.bumpStats(ctx, original.ChatID, conversation.StatsDelta{Messages: 1})

	s.mu.Lock()
	if s.activeChatID() == edited.ChatID {
		s.manager.AppendMessages(edited)
		s.manager.Select(edited.ParentID, edited.ID)
	}
	s.mu.Unlock()

	return s.regenerate(ctx, cfg, edited)
}

// RegenerateResponse streams a new response version to a user message. The
// history is the ancestor path of that message, not the visible path. In
// multi-model mode the first configured model answers.
func (s *Session) RegenerateResponse(ctx context.Context, userMessageID string) (*Generation, error) {
	user, err := s.store.GetMessage(ctx, userMessageID)
	if err != nil {
		return nil, invalid("regenerate", "message %s not found", userMessageID)
	}
	if user.Role != conversation.RoleUser {
		return nil, invalid("regenerate", "message %s is not a user message", userMessageID)
	}
	cfg, release, err := s.preflight("regenerate", user.ChatID)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.regenerate(ctx, cfg, user)
}

func (s *Session) regenerate(ctx context.Context, cfg *settings.Settings, user *conversation.Message) (*Generation, error) {
	s.mu.Lock()
	active := s.activeChatID()
	title := ""
	if s.chat != nil {
		title = s.chat.Title
	}
	s.mu.Unlock()
	if active != user.ChatID {
		return nil, invalid("regenerate", "message %s is not in the active chat", user.ID)
	}

	msgs, err := s.store.ListMessages(ctx, user.ChatID)
	if err != nil {
		return nil, errors.Wrap(err, "could not list messages")
	}
	tree := conversation.NewTree(msgs)
	thread := tree.Thread(user.ID)
	prior := thread[:len(thread)-1]

	models := cfg.TargetModels()[:1]
	placeholders := s.newPlaceholders(user.ChatID, user.ID, tree.NextBranchIndex(user.ID), models)
	for _, p := range placeholders {
		if err := s.store.PutMessage(ctx, p); err != nil {
			return nil, errors.Wrap(err, "could not save placeholder")
		}
	}

	req, err := s.buildRequest(cfg, user.Content, user.Attachments, prior, models, title)
	if err != nil {
		return nil, err
	}

	return s.start(ctx, &plan{
		chatID:       user.ChatID,
		user:         user,
		placeholders: placeholders,
		request:      req,
		settings:     cfg,
	})
}

// start makes the placeholders visible and runs the coordinator in the
// background. The run is detached from ctx cancellation; StopGeneration is
// the way to end it early.
func (s *Session) start(ctx context.Context, p *plan) (*Generation, error) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	ids := make([]string, 0, len(p.placeholders))
	targets := make([]stream.Target, 0, len(p.placeholders))
	for _, ph := range p.placeholders {
		ids = append(ids, ph.ID)
		targets = append(targets, stream.Target{MessageID: ph.ID, Model: ph.Model})
	}
	gen := newGeneration(p.chatID, p.user.ID, ids, cancel)

	s.mu.Lock()
	displayName := ""
	if s.chat != nil && s.chat.ID == p.chatID {
		displayName = s.chat.Title
		if p.selectUser {
			s.manager.AppendMessages(p.user)
			s.manager.Select(p.user.ParentID, p.user.ID)
		}
		s.manager.AppendMessages(p.placeholders...)
		s.manager.Select(p.user.ID, p.placeholders[0].ID)
		if s.manager.LeafID() != p.placeholders[0].ID {
			// the prompt was not on the visible path
			s.manager.SwitchTo(p.placeholders[0].ID)
		}
		s.state = StateStreaming
	}
	s.generations[p.chatID] = gen
	s.mu.Unlock()
	leafID := p.placeholders[0].ID

	if err := s.persistLeaf(ctx, p.chatID, leafID); err != nil {
		log.Warn().Err(err).Str("chat_id", p.chatID).Msg("Could not persist current leaf")
	}
	s.registry.StartStreaming(p.chatID, displayName, func() {
		if err := s.stop(context.Background(), gen); err != nil {
			log.Warn().Err(err).Str("chat_id", gen.ChatID).Msg("Could not save partial content")
		}
	})

	op := &stream.Operation{
		ChatID:          p.chatID,
		Request:         p.request,
		Targets:         targets,
		TitleGeneration: p.settings.ChatTitleGenerationEnabled,
		Callbacks: stream.Callbacks{
			OnContent: func(messageID string, content string) {
				s.mu.Lock()
				defer s.mu.Unlock()
				s.ledger.Set(messageID, content)
				if s.activeChatID() == p.chatID {
					s.manager.SetContent(messageID, content)
				}
			},
			OnModel: func(messageID string, model string) {
				s.mu.Lock()
				defer s.mu.Unlock()
				if s.activeChatID() == p.chatID {
					s.manager.SetModel(messageID, model)
				}
			},
			OnMedia: func(messageID string, found []conversation.Media) {
				s.mu.Lock()
				defer s.mu.Unlock()
				if s.activeChatID() == p.chatID {
					s.manager.SetMedia(messageID, found)
				}
			},
			OnTitle: func(title string) {
				s.mu.Lock()
				defer s.mu.Unlock()
				if s.chat != nil && s.chat.ID == p.chatID {
					s.chat.Title = title
				}
			},
			Finalizing: gen.claimFinalize,
			Persisting: gen.beginPersist,
		},
	}
	if s.onEvent != nil {
		op.OnEvent = func(e events.Event) {
			s.onEvent(p.chatID, e)
		}
	}

	go func() {
		res, err := s.runner.Run(runCtx, op)
		s.finish(runCtx, gen, res, err)
	}()

	return gen, nil
}

// finish records the outcome of a generation and rebuilds the visible path
// from the store.
func (s *Session) finish(ctx context.Context, gen *Generation, res *stream.Result, err error) {
	ctx = context.WithoutCancel(ctx)
	state := StateCompleted
	switch {
	case err == nil:
	case stream.IsAbort(err):
		state = StateAborted
	default:
		state = StateErrored
	}

	if gen.wasStopped() {
		<-gen.stopDone
		state = StateAborted
		err = &stream.AbortError{}
	}

	if state == StateCompleted {
		s.ledger.Delete(gen.AssistantMessageIDs...)
	}

	if rerr := s.reload(ctx, gen.ChatID, false); rerr != nil {
		log.Warn().Err(rerr).Str("chat_id", gen.ChatID).Msg("Could not rebuild visible path")
	}

	s.mu.Lock()
	focused := s.activeChatID() == gen.ChatID
	if focused {
		s.state = state
	}
	leafID := s.manager.LeafID()
	displayName := ""
	if s.chat != nil && s.chat.ID == gen.ChatID {
		displayName = s.chat.Title
	}
	s.mu.Unlock()

	if focused && state == StateCompleted {
		if perr := s.persistLeaf(ctx, gen.ChatID, leafID); perr != nil {
			log.Warn().Err(perr).Str("chat_id", gen.ChatID).Msg("Could not persist current leaf")
		}
	}
	if state != StateAborted {
		if res != nil && res.Title != "" {
			displayName = res.Title
		}
		s.registry.CompleteStreaming(gen.ChatID, displayName)
	}

	gen.setOutcome(Outcome{State: state, Err: err, Result: res})
}

// StopGeneration aborts the running generation of the active chat and saves
// the non-blank content streamed so far as partial messages. Calling it
// again, or with nothing running, is a no-op.
func (s *Session) StopGeneration(ctx context.Context) error {
	s.mu.Lock()
	gen := s.generations[s.activeChatID()]
	s.mu.Unlock()
	if gen == nil {
		return nil
	}
	return s.stop(ctx, gen)
}

func (s *Session) stop(ctx context.Context, gen *Generation) error {
	if !gen.claimStop() {
		return nil
	}
	defer close(gen.stopDone)

	gen.abort()
	gen.awaitPersist()

	var firstErr error
	saved := 0
	for _, id := range gen.AssistantMessageIDs {
		content, ok := s.ledger.Get(id)
		if !ok || strings.TrimSpace(content) == "" {
			continue
		}
		msg, err := s.store.GetMessage(ctx, id)
		if err != nil {
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "could not load message %s", id)
			}
			continue
		}
		msg.Content = content
		msg.GeneratedMedia = media.Extract(content)
		msg.IsPartial = true
		msg.UpdatedAt = s.now()
		if err := s.store.PutMessage(ctx, msg); err != nil {
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "could not save partial message %s", id)
			}
			continue
		}
		saved++
	}
	s.ledger.Delete(gen.AssistantMessageIDs...)
	if saved > 0 {
		s.bumpStats(ctx, gen.ChatID, conversation.StatsDelta{Messages: saved})
	}
	log.Info().Str("chat_id", gen.ChatID).Int("partial", saved).Msg("Generation stopped")

	s.mu.Lock()
	if s.activeChatID() == gen.ChatID {
		s.state = StateAborted
	}
	current := s.generations[gen.ChatID] == gen
	s.mu.Unlock()
	if current {
		s.registry.StopStreaming(gen.ChatID)
	}
	s.notify(gen.ChatID, events.KindMessages)
	return firstErr
}
