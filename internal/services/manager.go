package services

import (
	"context"
	"fmt"
	"log"

	"vigil/internal/config"
	"vigil/internal/crypto"
	"vigil/internal/database"
)

// ManagerOptions carries the host-supplied collaborators.
type ManagerOptions struct {
	// PriceLookup backs price_threshold triggers. Without it they
	// validate and persist but never fire.
	PriceLookup PriceLookup

	// EventSink observes engine lifecycle events.
	EventSink EventSink
}

// Manager is the composition root: it builds the encryption service, the
// stores and every engine, wires them together and controls their lifecycle.
type Manager struct {
	Cfg        *config.Config
	DB         *database.DB
	Encryption *crypto.EncryptionService

	Memory    *MemoryService
	Triggers  *TriggerService
	Heartbeat *HeartbeatService
	Notifier  *NotifierService

	sink EventSink
}

// NewManager builds the full engine stack from configuration.
func NewManager(cfg *config.Config, opts ManagerOptions) (*Manager, error) {
	encryption, err := buildEncryption(cfg)
	if err != nil {
		return nil, err
	}

	var db *database.DB
	if cfg.StoreBackend == "sqlite" {
		db, err = database.New(cfg.DatabasePath)
		if err != nil {
			return nil, err
		}
		if err := db.Initialize(); err != nil {
			db.Close()
			return nil, err
		}
	}

	memoryStore, err := NewMemoryStore(cfg.StoreBackend, db)
	if err != nil {
		return nil, err
	}
	triggerStore, err := NewTriggerStore(cfg.StoreBackend, db)
	if err != nil {
		return nil, err
	}

	notifier := NewNotifierService()
	memory := NewMemoryService(memoryStore, encryption, cfg)

	triggers := NewTriggerService(triggerStore, cfg)
	triggers.SetNotifier(notifier)
	triggers.SetMemoryService(memory)
	triggers.SetPriceLookup(opts.PriceLookup)
	triggers.SetEventSink(opts.EventSink)

	heartbeat, err := NewHeartbeatService(cfg, notifier)
	if err != nil {
		return nil, err
	}

	return &Manager{
		Cfg:        cfg,
		DB:         db,
		Encryption: encryption,
		Memory:     memory,
		Triggers:   triggers,
		Heartbeat:  heartbeat,
		Notifier:   notifier,
		sink:       opts.EventSink,
	}, nil
}

// Start launches the trigger monitors and the heartbeat engine.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.Triggers.Start(ctx); err != nil {
		return err
	}
	m.Heartbeat.Start()

	if m.sink != nil {
		m.sink("manager_started", map[string]interface{}{"backend": m.Cfg.StoreBackend})
	}
	log.Println("✅ [MANAGER] All engines running")
	return nil
}

// Stop shuts everything down in reverse order.
func (m *Manager) Stop() {
	m.Heartbeat.Stop()
	m.Triggers.Stop()
	if m.DB != nil {
		m.DB.Close()
	}

	if m.sink != nil {
		m.sink("manager_stopped", nil)
	}
	log.Println("🛑 [MANAGER] Shutdown complete")
}

func buildEncryption(cfg *config.Config) (*crypto.EncryptionService, error) {
	switch {
	case cfg.MasterKey != "":
		return crypto.NewEncryptionService(cfg.MasterKey)
	case cfg.Passphrase != "":
		return crypto.NewEncryptionServiceFromPassphrase(cfg.Passphrase, cfg.KDFIterations)
	}
	return nil, fmt.Errorf("ENCRYPTION_MASTER_KEY or ENCRYPTION_PASSPHRASE is required")
}
