package botloader

import (
	"context"
	"fmt"

	"tradebot-platform/internal/database"
	"tradebot-platform/internal/logging"
	"tradebot-platform/internal/objectstore"
)

const codeFileType = "code"

// ArtifactStore is the slice of the object store the loader needs.
type ArtifactStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
}

// FileRepository resolves bot artifact records.
type FileRepository interface {
	GetBotFile(ctx context.Context, botID int64, version, fileType string) (*database.BotFile, error)
	GetLatestBotFile(ctx context.Context, botID int64, fileType string) (*database.BotFile, error)
}

// Loader materializes executable strategies from versioned artifacts.
type Loader struct {
	store  ArtifactStore
	repo   FileRepository
	logger *logging.Logger
}

// NewLoader creates a strategy loader.
func NewLoader(store ArtifactStore, repo FileRepository) *Loader {
	return &Loader{
		store:  store,
		repo:   repo,
		logger: logging.Default().WithComponent("botloader"),
	}
}

// LoadStrategy fetches the bot's code artifact (latest version unless
// pinnedVersion is set), verifies its digest against the file record,
// parses it and merges the subscription's runtime config over the
// document's defaults. Any failure here is terminal for the subscription:
// the caller must not retry with a different artifact.
func (l *Loader) LoadStrategy(ctx context.Context, botID int64, pinnedVersion string, runtimeConfig map[string]interface{}) (Strategy, error) {
	var (
		file *database.BotFile
		err  error
	)
	if pinnedVersion != "" {
		file, err = l.repo.GetBotFile(ctx, botID, pinnedVersion, codeFileType)
	} else {
		file, err = l.repo.GetLatestBotFile(ctx, botID, codeFileType)
	}
	if err != nil {
		return nil, fmt.Errorf("error resolving code artifact for bot %d: %w", botID, err)
	}

	data, err := l.store.Download(ctx, file.ObjectKey)
	if err != nil {
		return nil, fmt.Errorf("error downloading artifact %s: %w", file.ObjectKey, err)
	}

	if err := objectstore.VerifySHA256(data, file.SHA256); err != nil {
		return nil, fmt.Errorf("artifact %s failed verification: %w", file.ObjectKey, err)
	}

	doc, err := ParseRuleDocument(data)
	if err != nil {
		return nil, fmt.Errorf("artifact %s is not a valid strategy: %w", file.ObjectKey, err)
	}
	if err := doc.ApplyOverrides(runtimeConfig); err != nil {
		return nil, fmt.Errorf("invalid runtime config for bot %d: %w", botID, err)
	}

	l.logger.Info("strategy loaded",
		"bot_id", botID, "version", file.Version, "name", doc.Name, "side", doc.Side)
	return NewRuleStrategy(doc), nil
}
