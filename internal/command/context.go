package command

import (
	"crypto/ed25519"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/adamavenir/tally/internal/core"
	"github.com/adamavenir/tally/internal/db"
	"github.com/adamavenir/tally/internal/offers"
	"github.com/adamavenir/tally/internal/relay"
	"github.com/adamavenir/tally/internal/settlement"
	"github.com/adamavenir/tally/internal/sign"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// CommandContext provides shared command resources.
type CommandContext struct {
	Config    core.Config
	DataDir   string
	JSONMode  bool
	Logger    *zap.Logger
	Locks     *db.Locker
	Journal   *db.Journal
	Offers    *db.OfferStore
	Addresses *settlement.AddressBook

	outbox *sql.DB
	nc     *nats.Conn
	key    ed25519.PrivateKey
}

// loadConfig reads configuration and applies the --data-dir override.
func loadConfig(cmd *cobra.Command) (core.Config, string, error) {
	cfg, err := core.LoadConfig()
	if err != nil {
		return core.Config{}, "", err
	}
	dataDir := cfg.DataDir
	if flag, _ := cmd.Flags().GetString("data-dir"); flag != "" {
		dataDir = flag
	}
	resolved, err := core.DiscoverDataDir("", dataDir)
	if err != nil {
		return core.Config{}, "", err
	}
	return cfg, resolved, nil
}

// GetContext resolves configuration and opens the journals of an
// initialized data directory. The outbox, NATS connection, and signing key
// are opened on first use.
func GetContext(cmd *cobra.Command) (*CommandContext, error) {
	jsonMode, _ := cmd.Flags().GetBool("json")

	cfg, dataDir, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(dataDir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", errNotInitialized, dataDir)
	}

	logger, err := core.NewLogger(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		return nil, err
	}

	locks := db.NewLocker()
	return &CommandContext{
		Config:    cfg,
		DataDir:   dataDir,
		JSONMode:  jsonMode,
		Logger:    logger,
		Locks:     locks,
		Journal:   db.NewJournal(dataDir, locks, logger),
		Offers:    db.NewOfferStore(dataDir, logger),
		Addresses: settlement.NewAddressBook(dataDir),
	}, nil
}

// Close releases the outbox and broker connection if they were opened.
func (c *CommandContext) Close() {
	if c.nc != nil {
		c.nc.Close()
		c.nc = nil
	}
	if c.outbox != nil {
		_ = c.outbox.Close()
		c.outbox = nil
	}
	_ = c.Logger.Sync()
}

// Outbox opens the settlement outbox database.
func (c *CommandContext) Outbox() (*sql.DB, error) {
	if c.outbox != nil {
		return c.outbox, nil
	}
	conn, err := db.OpenOutbox(db.OutboxPath(c.DataDir))
	if err != nil {
		return nil, err
	}
	c.outbox = conn
	return conn, nil
}

// NATS connects to TALLY_NATS_URL. It returns nil when no broker is configured.
func (c *CommandContext) NATS() (*nats.Conn, error) {
	if c.nc != nil || c.Config.NATSURL == "" {
		return c.nc, nil
	}
	nc, err := settlement.ConnectNATS(c.Config.NATSURL)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	c.nc = nc
	return nc, nil
}

// Key decrypts the signing key.
func (c *CommandContext) Key() (ed25519.PrivateKey, error) {
	if c.key != nil {
		return c.key, nil
	}
	path := c.Config.KeyPath(c.DataDir)
	if _, err := os.Stat(path); err != nil {
		if isNotExist(err) {
			return nil, fmt.Errorf("%w: %s", errKeyMissing, path)
		}
		return nil, err
	}
	if c.Config.KeyPassphrase == "" {
		return nil, errors.New("TALLY_KEY_PASSPHRASE is not set")
	}
	key, err := sign.LoadKeyFile(path, []byte(c.Config.KeyPassphrase))
	if err != nil {
		return nil, err
	}
	c.key = key
	return key, nil
}

// Emitter builds the settlement emitter. The broker mirror is attached
// when TALLY_NATS_URL is set.
func (c *CommandContext) Emitter() (*settlement.Emitter, error) {
	key, err := c.Key()
	if err != nil {
		return nil, err
	}
	outbox, err := c.Outbox()
	if err != nil {
		return nil, err
	}
	emitter := &settlement.Emitter{
		Journal:   c.Journal,
		Outbox:    outbox,
		Key:       key,
		Addresses: c.Addresses,
		TokenID:   c.Config.TokenID,
		ChainID:   c.Config.ChainID,
		Logger:    c.Logger.Named("emitter"),
	}
	nc, err := c.NATS()
	if err != nil {
		c.Logger.Warn("settlement bus unavailable", zap.Error(err))
	} else if nc != nil {
		emitter.Bus = settlement.NewNATSBus(nc)
	}
	return emitter, nil
}

// OfferService builds the offer service on top of the emitter.
func (c *CommandContext) OfferService() (*offers.Service, error) {
	emitter, err := c.Emitter()
	if err != nil {
		return nil, err
	}
	service := offers.NewService(c.Offers, c.Journal, emitter, c.Locks, c.Logger.Named("offers"))
	service.Treasury = c.Config.Treasury
	return service, nil
}

// OfferReader builds an offer service for read-only commands. It needs no
// signing key and cannot emit settlements.
func (c *CommandContext) OfferReader() *offers.Service {
	return offers.NewService(c.Offers, c.Journal, nil, c.Locks, c.Logger.Named("offers"))
}

// Dispatcher builds the outbox dispatcher over the websocket publisher.
// The signing key answers relay auth challenges unless TALLY_RELAY_AUTH is off.
func (c *CommandContext) Dispatcher() (*settlement.Dispatcher, error) {
	outbox, err := c.Outbox()
	if err != nil {
		return nil, err
	}
	publisher := relay.NewPublisher(relay.NewBackoffRegistry(), c.Logger.Named("relay"))
	publisher.Timeout = c.Config.RelayTimeout

	dispatcher := &settlement.Dispatcher{
		Outbox:      outbox,
		Publisher:   publisher,
		Relays:      c.Config.Relays,
		BatchSize:   c.Config.DispatchBatch,
		MaxAttempts: c.Config.OutboxMaxAttempts,
		Logger:      c.Logger.Named("dispatcher"),
	}
	if c.Config.RelayAuth {
		key, err := c.Key()
		if err != nil {
			return nil, err
		}
		dispatcher.Key = key
	}
	return dispatcher, nil
}

// ReceiptApplier builds the receipt applier.
func (c *CommandContext) ReceiptApplier() (*settlement.ReceiptApplier, error) {
	outbox, err := c.Outbox()
	if err != nil {
		return nil, err
	}
	return &settlement.ReceiptApplier{
		Journal: c.Journal,
		Outbox:  outbox,
		Logger:  c.Logger.Named("receipts"),
	}, nil
}
