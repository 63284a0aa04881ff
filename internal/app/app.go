package app

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/classnote/backend/internal/backup"
	"github.com/classnote/backend/internal/httpapi"
	"github.com/classnote/backend/internal/store"
	"github.com/classnote/backend/internal/usagelog"
)

type App struct {
	cfg      Config
	logger   *log.Logger
	db       *pgxpool.Pool
	store    *store.Store
	usageLog *usagelog.Logger
	uploader *backup.GCSUploader
}

func New(cfg Config, logger *log.Logger) (*App, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if err := store.RunMigration(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	s := store.New(db)
	ul := usagelog.New(db)

	// Raw audio backup is optional. A missing bucket or failed client only
	// disables backups, streaming keeps working.
	var uploader *backup.GCSUploader
	if cfg.AudioBackupBucket != "" {
		uploader, err = backup.NewGCSUploader(ctx, cfg.AudioBackupBucket, cfg.GoogleCredentialsJSON)
		if err != nil {
			logger.Printf("app: audio backup disabled, gcs client failed: %v", err)
			uploader = nil
		}
	}

	return &App{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		store:    s,
		usageLog: ul,
		uploader: uploader,
	}, nil
}

func (a *App) Router() http.Handler {
	routerCfg := httpapi.RouterConfig{
		JWTSecret:             a.cfg.JWTSecret,
		STTProvider:           a.cfg.STTProvider,
		DeepgramAPIKey:        a.cfg.DeepgramAPIKey,
		DeepgramModel:         a.cfg.DeepgramModel,
		GoogleProjectID:       a.cfg.GoogleProjectID,
		GoogleCredentialsJSON: a.cfg.GoogleCredentialsJSON,
		GoogleLocation:        a.cfg.GoogleSpeechLocation,
		GoogleRecognizer:      a.cfg.GoogleRecognizer,
		GoogleModel:           a.cfg.GoogleSpeechModel,
		DefaultLanguageCode:   a.cfg.DefaultLanguageCode,
		DefaultSampleRate:     a.cfg.DefaultSampleRate,
	}

	var uploader backup.Uploader
	if a.uploader != nil {
		uploader = a.uploader
	}
	return httpapi.NewRouter(routerCfg, a.logger, a.store, a.usageLog, uploader)
}

func (a *App) Close() error {
	if a.uploader != nil {
		_ = a.uploader.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
	return nil
}
