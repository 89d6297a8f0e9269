package database

import (
	"context"
)

// GetBotByID retrieves a bot by id
func (r *Repository) GetBotByID(ctx context.Context, id int64) (*Bot, error) {
	query := `
		SELECT id, developer_id, name, version, object_key, exchange_type,
		       trading_type, status, win_rate, avg_win_loss, created_at, updated_at
		FROM bots
		WHERE id = $1
	`
	bot := &Bot{}
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&bot.ID, &bot.DeveloperID, &bot.Name, &bot.Version, &bot.ObjectKey,
		&bot.ExchangeType, &bot.TradingType, &bot.Status, &bot.WinRate,
		&bot.AvgWinLoss, &bot.CreatedAt, &bot.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return bot, nil
}

// GetBotFile retrieves the artifact record for a specific bot version
func (r *Repository) GetBotFile(ctx context.Context, botID int64, version, fileType string) (*BotFile, error) {
	query := `
		SELECT id, bot_id, version, file_type, object_key, sha256, size_bytes, created_at
		FROM bot_files
		WHERE bot_id = $1 AND version = $2 AND file_type = $3
	`
	return r.scanBotFile(ctx, query, botID, version, fileType)
}

// GetLatestBotFile retrieves the most recent artifact for a bot
func (r *Repository) GetLatestBotFile(ctx context.Context, botID int64, fileType string) (*BotFile, error) {
	query := `
		SELECT id, bot_id, version, file_type, object_key, sha256, size_bytes, created_at
		FROM bot_files
		WHERE bot_id = $1 AND file_type = $2
		ORDER BY created_at DESC
		LIMIT 1
	`
	return r.scanBotFile(ctx, query, botID, fileType)
}

func (r *Repository) scanBotFile(ctx context.Context, query string, args ...interface{}) (*BotFile, error) {
	file := &BotFile{}
	err := r.db.Pool.QueryRow(ctx, query, args...).Scan(
		&file.ID, &file.BotID, &file.Version, &file.FileType,
		&file.ObjectKey, &file.SHA256, &file.SizeBytes, &file.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return file, nil
}

// CreateBotFile records a new artifact version
func (r *Repository) CreateBotFile(ctx context.Context, file *BotFile) error {
	query := `
		INSERT INTO bot_files (bot_id, version, file_type, object_key, sha256, size_bytes)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`
	return r.db.Pool.QueryRow(ctx, query,
		file.BotID, file.Version, file.FileType, file.ObjectKey, file.SHA256, file.SizeBytes,
	).Scan(&file.ID, &file.CreatedAt)
}
