package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/vbus-bridge/internal/api"
	"github.com/nerrad567/vbus-bridge/internal/bridges/vbus"
	"github.com/nerrad567/vbus-bridge/internal/infrastructure/config"
	"github.com/nerrad567/vbus-bridge/internal/infrastructure/database"
	"github.com/nerrad567/vbus-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/vbus-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/vbus-bridge/internal/infrastructure/mqtt"
)

// bridgeService groups the bridge with the resources it owns.
type bridgeService struct {
	bridge   *vbus.Bridge
	daemon   *vbus.DaemonClient
	recorder *vbus.HeaderRecorder
	mqtt     *mqtt.Client
}

// startBridge loads the bridge configuration and specification, connects to
// the bus daemon and builds the bridge. The MQTT disconnect callback is
// pointed at the bridge so a lost broker ends Run.
func startBridge(
	ctx context.Context,
	cfg *config.Config,
	db *database.DB,
	mqttClient *mqtt.Client,
	influxClient *influxdb.Client,
	reg prometheus.Registerer,
	log *logging.Logger,
) (*bridgeService, error) {
	bridgeCfg, err := vbus.LoadConfig(cfg.Protocols.VBus.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("loading VBus bridge config: %w", err)
	}
	log.Info("VBus bridge config loaded",
		"path", cfg.Protocols.VBus.ConfigFile,
		"bridge_id", bridgeCfg.Bridge.ID,
		"values", len(bridgeCfg.Fields.Values),
	)

	spec, err := loadSpecification(bridgeCfg.Specification.File, log)
	if err != nil {
		return nil, err
	}

	metrics := vbus.NewMetrics()
	if err := metrics.Register(reg); err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}

	daemon, err := vbus.Connect(ctx, bridgeCfg.ToDaemonConfig())
	if err != nil {
		return nil, fmt.Errorf("connecting to VBus daemon: %w", err)
	}
	daemon.SetLogger(log)
	log.Info("connected to VBus daemon", "url", daemon.Address())

	svc := &bridgeService{daemon: daemon, mqtt: mqttClient}

	var listeners []vbus.SnapshotListener
	if bridgeCfg.Recorder.Enabled {
		svc.recorder = vbus.NewHeaderRecorder(db.DB)
		svc.recorder.SetLogger(log)
		if err := svc.recorder.Start(); err != nil {
			svc.close(log)
			return nil, fmt.Errorf("starting header recorder: %w", err)
		}
		listeners = append(listeners, svc.recorder)
	}
	if bridgeCfg.Telemetry.Enabled {
		if influxClient == nil {
			log.Warn("telemetry enabled but InfluxDB is disabled, skipping")
		} else {
			listeners = append(listeners, vbus.NewTelemetryWriter(influxClient, spec))
		}
	}

	bridge, err := vbus.NewBridge(vbus.BridgeOptions{
		Config:     bridgeCfg,
		MQTTClient: &mqttBridgeAdapter{client: mqttClient},
		Connector:  daemon,
		Decoder:    spec,
		Listeners:  listeners,
		Metrics:    metrics,
		Logger:     log,
		Version:    version,
	})
	if err != nil {
		svc.close(log)
		return nil, fmt.Errorf("creating VBus bridge: %w", err)
	}
	svc.bridge = bridge

	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
		bridge.NotifyTransportLost(err)
	})

	return svc, nil
}

// loadSpecification reads the packet specification. Without one no fields
// decode, which is only useful for discovering what is on the bus.
func loadSpecification(path string, log *logging.Logger) (*vbus.Specification, error) {
	if path == "" {
		log.Warn("no packet specification configured, header fields will not be decoded")
		return vbus.NewSpecification(nil)
	}

	spec, err := vbus.LoadSpecification(path)
	if err != nil {
		return nil, fmt.Errorf("loading specification: %w", err)
	}
	log.Info("packet specification loaded", "path", path, "packets", spec.PacketCount())
	return spec, nil
}

// recorderStore avoids handing the API a typed nil.
func (s *bridgeService) recorderStore() api.HeaderStore {
	if s.recorder == nil {
		return nil
	}
	return s.recorder
}

func (s *bridgeService) close(log *logging.Logger) {
	if s.mqtt.IsConnected() {
		for _, topic := range s.mqtt.Subscriptions() {
			if err := s.mqtt.Unsubscribe(topic); err != nil {
				log.Warn("error unsubscribing", "topic", topic, "error", err)
			}
		}
	}
	if s.recorder != nil {
		s.recorder.Stop()
	}
	log.Info("closing VBus daemon connection")
	if err := s.daemon.Close(); err != nil {
		log.Error("error closing VBus daemon connection", "error", err)
	}
}

// mqttBridgeAdapter adapts the infrastructure MQTT client to the bridge's
// MQTTClient interface. The difference is the Subscribe handler signature:
// - Infrastructure mqtt: func(topic, payload []byte) error
// - VBus bridge expects: func(topic, payload []byte)
type mqttBridgeAdapter struct {
	client *mqtt.Client
}

// Publish implements vbus.MQTTClient.
func (a *mqttBridgeAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

// Subscribe implements vbus.MQTTClient.
func (a *mqttBridgeAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// IsConnected implements vbus.MQTTClient.
func (a *mqttBridgeAdapter) IsConnected() bool {
	return a.client.IsConnected()
}
