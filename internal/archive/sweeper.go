package archive

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/memohai/supportdesk/internal/conversation"
)

const sweepBatch = 100

// IdleLister finds conversations without activity since a point in time.
type IdleLister interface {
	ListIdleConversations(ctx context.Context, before time.Time, limit int) ([]conversation.Conversation, error)
}

// ConversationArchiver archives one conversation by id. The dispatch router
// implements it so operators hear about swept conversations.
type ConversationArchiver interface {
	ArchiveConversation(ctx context.Context, tenantID, conversationID string) (ArchivedConversation, error)
}

// Sweeper periodically archives conversations that went idle.
type Sweeper struct {
	archiver  ConversationArchiver
	idle      IdleLister
	idleAfter time.Duration
	cron      *cron.Cron
	logger    *slog.Logger
	now       func() time.Time
}

func NewSweeper(log *slog.Logger, archiver ConversationArchiver, idle IdleLister, idleAfter time.Duration) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "archive_sweeper"))
	cl := cronLogger{log: log}
	return &Sweeper{
		archiver:  archiver,
		idle:      idle,
		idleAfter: idleAfter,
		cron:      cron.New(cron.WithLogger(cl), cron.WithChain(cron.SkipIfStillRunning(cl))),
		logger:    log,
		now:       time.Now,
	}
}

// Start schedules sweeps on a cron spec such as "@every 1h".
func (s *Sweeper) Start(spec string) error {
	if _, err := s.cron.AddFunc(spec, func() {
		if _, err := s.Sweep(context.Background()); err != nil {
			s.logger.Error("archive sweep failed", slog.Any("error", err))
		}
	}); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("archive sweeper started", slog.String("schedule", spec), slog.Duration("idle_after", s.idleAfter))
	return nil
}

// Stop waits for a running sweep to finish or ctx to end.
func (s *Sweeper) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// Sweep archives one batch of idle conversations and returns how many were
// archived.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	before := s.now().UTC().Add(-s.idleAfter)
	items, err := s.idle.ListIdleConversations(ctx, before, sweepBatch)
	if err != nil {
		return 0, err
	}
	archived := 0
	for _, conv := range items {
		if _, err := s.archiver.ArchiveConversation(ctx, conv.TenantID, conv.ID); err != nil {
			if errors.Is(err, conversation.ErrNotFound) {
				continue
			}
			s.logger.Warn("archive idle conversation",
				slog.String("conversation_id", conv.ID),
				slog.Any("error", err))
			continue
		}
		archived++
	}
	if archived > 0 {
		s.logger.Info("idle conversations archived", slog.Int("count", archived))
	}
	return archived, nil
}

type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append(keysAndValues, slog.Any("error", err))...)
}
