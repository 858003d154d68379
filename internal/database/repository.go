package database

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"voicekeeper/internal/models"
)

// Repository maps the bot state onto named JSON blobs
type Repository struct {
	store Store
	log   *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(store Store, log *zap.Logger) *Repository {
	if store == nil {
		store = NopStore{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Repository{store: store, log: log}
}

// Backend reports the name of the underlying store
func (r *Repository) Backend() string {
	return r.store.Name()
}

// Save encodes the state and overwrites every blob
func (r *Repository) Save(ctx context.Context, state models.State) error {
	parts := map[string]any{
		models.BlobVoiceDaily:      state.Voice.Daily,
		models.BlobVoiceWeekly:     state.Voice.Weekly,
		models.BlobVoiceAllTime:    state.Voice.AllTime,
		models.BlobGuildSettings:   state.GuildSettings,
		models.BlobCreatedChannels: state.CreatedChannels,
		models.BlobChannelStats:    state.ChannelStats,
	}

	blobs := make(map[string][]byte, len(parts))
	for name, v := range parts {
		data, err := sonic.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", name, err)
		}
		blobs[name] = data
	}

	if err := r.store.SaveBlobs(ctx, blobs); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

// Load reads the stored state. A blob that fails to decode is logged and
// left empty so the others still load.
func (r *Repository) Load(ctx context.Context) (models.State, error) {
	var state models.State

	blobs, err := r.store.LoadBlobs(ctx)
	if err != nil {
		return state, fmt.Errorf("failed to load state: %w", err)
	}

	targets := map[string]any{
		models.BlobVoiceDaily:      &state.Voice.Daily,
		models.BlobVoiceWeekly:     &state.Voice.Weekly,
		models.BlobVoiceAllTime:    &state.Voice.AllTime,
		models.BlobGuildSettings:   &state.GuildSettings,
		models.BlobCreatedChannels: &state.CreatedChannels,
		models.BlobChannelStats:    &state.ChannelStats,
	}
	for name, target := range targets {
		data, ok := blobs[name]
		if !ok {
			continue
		}
		if err := sonic.Unmarshal(data, target); err != nil {
			r.log.Error("Failed to decode stored blob", zap.String("blob", name), zap.Error(err))
		}
	}
	return state, nil
}

// Close closes the underlying store
func (r *Repository) Close() error {
	return r.store.Close()
}
