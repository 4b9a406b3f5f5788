package agentregistry

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/hashicorp/go-hclog"

	"github.com/agentmesh/orchestrator/pkg/model"
)

// ConsulDiscovery polls a Consul service catalog for healthy agent
// instances and upserts them into a Registry via Register/Heartbeat,
// for agents that advertise themselves through Consul rather than
// calling the HTTP registration surface directly (SPEC_FULL §B, §C
// "Consul-based agent discovery", opt-in and disabled by default).
//
// Grounded on the teacher's pkg/config/koanf_loader.go, which is the
// only place in the retrieval pack that constructs an api.Client; that
// usage is a config KV provider, so the client construction pattern
// (api.DefaultConfig, setting Address) is reused here but pointed at
// the health-check catalog instead, a different concern entirely.
type ConsulDiscovery struct {
	client       *api.Client
	registry     *Registry
	serviceName  string
	pollInterval time.Duration
	logger       hclog.Logger

	done chan struct{}
}

// NewConsulDiscovery constructs a poller against address's Consul
// agent, targeting serviceName. slogLogger is adapted to the
// hclog.Logger interface the consul client's diagnostics expect.
func NewConsulDiscovery(address, serviceName string, pollInterval time.Duration, registry *Registry, slogLogger *slog.Logger) (*ConsulDiscovery, error) {
	cfg := api.DefaultConfig()
	if address != "" {
		cfg.Address = address
	}
	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	return &ConsulDiscovery{
		client:       client,
		registry:     registry,
		serviceName:  serviceName,
		pollInterval: pollInterval,
		logger:       slogAdapter{slogLogger}.asHCLog(),
		done:         make(chan struct{}),
	}, nil
}

// Start polls the catalog every pollInterval until ctx is done or Stop
// is called, registering/heartbeating every passing instance it finds.
func (d *ConsulDiscovery) Start(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	go func() {
		defer ticker.Stop()
		d.pollOnce()
		for {
			select {
			case <-ticker.C:
				d.pollOnce()
			case <-ctx.Done():
				return
			case <-d.done:
				return
			}
		}
	}()
}

// Stop halts polling.
func (d *ConsulDiscovery) Stop() {
	close(d.done)
}

func (d *ConsulDiscovery) pollOnce() {
	entries, _, err := d.client.Health().Service(d.serviceName, "", true, nil)
	if err != nil {
		d.logger.Warn("consul health query failed", "service", d.serviceName, "error", err)
		return
	}

	for _, entry := range entries {
		desc := model.AgentDescriptor{
			ID:           entry.Service.ID,
			Type:         serviceMeta(entry.Service.Meta, "agent_type"),
			Capabilities: entry.Service.Tags,
			MaxSlots:     maxSlotsFromMeta(entry.Service.Meta),
		}
		if err := d.registry.Register(desc); err != nil {
			d.logger.Warn("consul-discovered agent registration failed", "agent_id", desc.ID, "error", err)
			continue
		}
		if err := d.registry.Heartbeat(desc.ID, 0); err != nil {
			d.logger.Warn("consul-discovered agent heartbeat failed", "agent_id", desc.ID, "error", err)
		}
	}
}

func serviceMeta(meta map[string]string, key string) string {
	if meta == nil {
		return ""
	}
	return meta[key]
}

func maxSlotsFromMeta(meta map[string]string) int {
	if meta == nil {
		return 1
	}
	n, err := strconv.Atoi(meta["max_slots"])
	if err != nil || n <= 0 {
		return 1
	}
	return n
}

// slogAdapter bridges a *slog.Logger to the hclog.Logger interface the
// consul client's internal diagnostics hooks expect.
type slogAdapter struct {
	logger *slog.Logger
}

func (a slogAdapter) asHCLog() hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   "agentregistry.consul",
		Output: slogWriter{a.logger},
	})
}

// slogWriter adapts the *slog.Logger to an io.Writer so hclog's
// standard-logger bridge can forward its formatted lines through it.
type slogWriter struct {
	logger *slog.Logger
}

func (w slogWriter) Write(p []byte) (int, error) {
	w.logger.Info(string(p))
	return len(p), nil
}
