package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wuwenbin0122/aidanna/internal/models"
)

const conversationColumns = "id, user_id, mode, title, turn_count, created_at, updated_at"

func (p *Postgres) CreateConversation(ctx context.Context, owner, mode, title string) (models.Conversation, error) {
	now := p.now().UTC()
	conv := models.Conversation{
		ID:        uuid.NewString(),
		UserID:    owner,
		Mode:      mode,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	const query = "INSERT INTO conversations (id, user_id, mode, title, turn_count, created_at, updated_at) VALUES ($1, $2, $3, $4, 0, $5, $5)"
	if _, err := p.Pool.Exec(ctx, query, conv.ID, conv.UserID, conv.Mode, conv.Title, now); err != nil {
		return models.Conversation{}, fmt.Errorf("postgres: create conversation: %w", err)
	}

	return conv, nil
}

func (p *Postgres) GetConversation(ctx context.Context, id string) (models.Conversation, error) {
	query := "SELECT " + conversationColumns + " FROM conversations WHERE id = $1"
	conv, err := scanConversation(p.Pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Conversation{}, ErrNotFound
		}
		return models.Conversation{}, fmt.Errorf("postgres: get conversation: %w", err)
	}
	return conv, nil
}

// AppendTurn bumps turn_count and inserts the message in one transaction. The row lock taken
// by the UPDATE serialises concurrent appends to the same conversation.
func (p *Postgres) AppendTurn(ctx context.Context, conversationID, role, content string, audio []byte) (models.Message, error) {
	msg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Audio:          audio,
		CreatedAt:      p.now().UTC(),
	}

	err := pgx.BeginFunc(ctx, p.Pool, func(tx pgx.Tx) error {
		const bump = "UPDATE conversations SET turn_count = turn_count + 1, updated_at = $2 WHERE id = $1 RETURNING turn_count"
		if err := tx.QueryRow(ctx, bump, conversationID, msg.CreatedAt).Scan(&msg.Seq); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}

		const insert = "INSERT INTO messages (id, conversation_id, seq, role, content, audio, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)"
		_, err := tx.Exec(ctx, insert, msg.ID, msg.ConversationID, msg.Seq, msg.Role, msg.Content, audio, msg.CreatedAt)
		return err
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.Is(err, ErrNotFound) || (errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation) {
			return models.Message{}, ErrNotFound
		}
		return models.Message{}, fmt.Errorf("postgres: append turn: %w", err)
	}

	return msg, nil
}

func (p *Postgres) ListConversations(ctx context.Context, owner string, limit int) ([]models.Conversation, error) {
	query := "SELECT " + conversationColumns + " FROM conversations WHERE user_id = $1 ORDER BY updated_at DESC, id LIMIT $2"
	rows, err := p.Pool.Query(ctx, query, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list conversations: %w", err)
	}
	defer rows.Close()

	conversations := make([]models.Conversation, 0, limit)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan conversation: %w", err)
		}
		conversations = append(conversations, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list conversations: %w", err)
	}

	return conversations, nil
}

func (p *Postgres) LoadTurns(ctx context.Context, conversationID string) ([]models.Message, error) {
	const query = "SELECT id, conversation_id, seq, role, content, audio, created_at FROM messages WHERE conversation_id = $1 ORDER BY seq ASC"
	rows, err := p.Pool.Query(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("postgres: load turns: %w", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0, 16)
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Seq, &msg.Role, &msg.Content, &msg.Audio, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan turn: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: load turns: %w", err)
	}

	return messages, nil
}

// DeleteConversation removes the conversation; messages go with it via ON DELETE CASCADE.
func (p *Postgres) DeleteConversation(ctx context.Context, conversationID string) error {
	tag, err := p.Pool.Exec(ctx, "DELETE FROM conversations WHERE id = $1", conversationID)
	if err != nil {
		return fmt.Errorf("postgres: delete conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) IncrementUsage(ctx context.Context, owner string, day time.Time) (int, error) {
	const query = `INSERT INTO usage_records (user_id, usage_date, request_count, updated_at)
VALUES ($1, $2, 1, NOW())
ON CONFLICT (user_id, usage_date) DO UPDATE
SET request_count = usage_records.request_count + 1, updated_at = NOW()
RETURNING request_count`

	var count int
	if err := p.Pool.QueryRow(ctx, query, owner, day).Scan(&count); err != nil {
		return 0, fmt.Errorf("postgres: increment usage: %w", err)
	}
	return count, nil
}

// IncrementUsageIfBelow is a single conditional upsert: the ON CONFLICT branch re-checks the
// locked row, so concurrent callers can never push the count past limit.
func (p *Postgres) IncrementUsageIfBelow(ctx context.Context, owner string, day time.Time, limit int) (int, bool, error) {
	if limit <= 0 {
		used, err := p.UsageFor(ctx, owner, day)
		return used, false, err
	}

	const query = `INSERT INTO usage_records (user_id, usage_date, request_count, updated_at)
VALUES ($1, $2, 1, NOW())
ON CONFLICT (user_id, usage_date) DO UPDATE
SET request_count = usage_records.request_count + 1, updated_at = NOW()
WHERE usage_records.request_count < $3
RETURNING request_count`

	var count int
	err := p.Pool.QueryRow(ctx, query, owner, day, limit).Scan(&count)
	if err == nil {
		return count, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, fmt.Errorf("postgres: conditional increment usage: %w", err)
	}

	used, err := p.UsageFor(ctx, owner, day)
	if err != nil {
		return 0, false, err
	}
	return used, false, nil
}

func (p *Postgres) UsageFor(ctx context.Context, owner string, day time.Time) (int, error) {
	var count int
	err := p.Pool.QueryRow(ctx, "SELECT request_count FROM usage_records WHERE user_id = $1 AND usage_date = $2", owner, day).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("postgres: read usage: %w", err)
	}
	return count, nil
}

func (p *Postgres) ResetUsage(ctx context.Context, owner string, day time.Time) error {
	if _, err := p.Pool.Exec(ctx, "DELETE FROM usage_records WHERE user_id = $1 AND usage_date = $2", owner, day); err != nil {
		return fmt.Errorf("postgres: reset usage: %w", err)
	}
	return nil
}

const profileColumns = "id, display_name, subscription_tier, subscription_status, subscription_plan, subscription_expires_at, last_payment_reference, created_at, updated_at"

func (p *Postgres) GetProfile(ctx context.Context, id string) (models.UserProfile, error) {
	profile, err := scanProfile(p.Pool.QueryRow(ctx, "SELECT "+profileColumns+" FROM profiles WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.UserProfile{}, ErrNotFound
		}
		return models.UserProfile{}, fmt.Errorf("postgres: get profile: %w", err)
	}
	return profile, nil
}

func (p *Postgres) UpsertSubscription(ctx context.Context, id string, sub models.Subscription) (models.UserProfile, error) {
	profile, err := upsertSubscription(ctx, p.Pool, id, sub)
	if err != nil {
		return models.UserProfile{}, fmt.Errorf("postgres: upsert subscription: %w", err)
	}
	return profile, nil
}

// ApplyPayment claims reference in the payments table and, only when the claim is new, writes
// the subscription next derives from the locked profile. Both happen in one transaction, so a
// reference is applied at most once even under concurrent confirmations.
func (p *Postgres) ApplyPayment(ctx context.Context, id, reference string, next func(current models.UserProfile) models.Subscription) (models.UserProfile, bool, error) {
	var (
		profile models.UserProfile
		applied bool
	)

	err := pgx.BeginFunc(ctx, p.Pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, "INSERT INTO payments (reference, user_id, applied_at) VALUES ($1, $2, NOW()) ON CONFLICT (reference) DO NOTHING", reference, id)
		if err != nil {
			return err
		}

		if tag.RowsAffected() == 0 {
			profile, err = scanProfile(tx.QueryRow(ctx, "SELECT "+profileColumns+" FROM profiles WHERE id = $1", id))
			if errors.Is(err, pgx.ErrNoRows) {
				profile, err = models.FreeProfile(id), nil
			}
			return err
		}

		if _, err := tx.Exec(ctx, "INSERT INTO profiles (id) VALUES ($1) ON CONFLICT (id) DO NOTHING", id); err != nil {
			return err
		}
		current, err := scanProfile(tx.QueryRow(ctx, "SELECT "+profileColumns+" FROM profiles WHERE id = $1 FOR UPDATE", id))
		if err != nil {
			return err
		}

		profile, err = upsertSubscription(ctx, tx, id, next(current))
		applied = err == nil
		return err
	})
	if err != nil {
		return models.UserProfile{}, false, fmt.Errorf("postgres: apply payment: %w", err)
	}

	return profile, applied, nil
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func upsertSubscription(ctx context.Context, q rowQuerier, id string, sub models.Subscription) (models.UserProfile, error) {
	query := `INSERT INTO profiles (id, subscription_tier, subscription_status, subscription_plan, subscription_expires_at, last_payment_reference, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, NOW())
ON CONFLICT (id) DO UPDATE SET
    subscription_tier = EXCLUDED.subscription_tier,
    subscription_status = EXCLUDED.subscription_status,
    subscription_plan = EXCLUDED.subscription_plan,
    subscription_expires_at = EXCLUDED.subscription_expires_at,
    last_payment_reference = EXCLUDED.last_payment_reference,
    updated_at = NOW()
RETURNING ` + profileColumns

	return scanProfile(q.QueryRow(ctx, query, id, string(sub.Tier), string(sub.Status), sub.Plan, sub.ExpiresAt, sub.Reference))
}

func scanConversation(row pgx.Row) (models.Conversation, error) {
	var conv models.Conversation
	err := row.Scan(&conv.ID, &conv.UserID, &conv.Mode, &conv.Title, &conv.TurnCount, &conv.CreatedAt, &conv.UpdatedAt)
	return conv, err
}

func scanProfile(row pgx.Row) (models.UserProfile, error) {
	var (
		profile models.UserProfile
		tier    string
		status  string
	)
	err := row.Scan(
		&profile.ID,
		&profile.DisplayName,
		&tier,
		&status,
		&profile.Plan,
		&profile.ExpiresAt,
		&profile.LastPaymentReference,
		&profile.CreatedAt,
		&profile.UpdatedAt,
	)
	profile.Tier = models.Tier(tier)
	profile.Status = models.SubscriptionStatus(status)
	return profile, err
}
