// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sparkplug_plugin

import (
	"fmt"
	"strings"

	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/united-manufacturing-hub/benthos-sparkplug/pkg/sparkplug"
	"github.com/united-manufacturing-hub/benthos-sparkplug/pkg/sparkplug/payload"
)

// Field names shared by every Sparkplug component.
const (
	fieldConnection   = "connection"
	fieldMQTT         = "mqtt"
	fieldIdentity     = "identity"
	fieldCompression  = "compression"
	fieldAliasMetrics = "alias_metrics"
	fieldStoreForward = "store_forward"
	fieldTLS          = "tls"
)

// Metadata keys read and written by the components.
const (
	metaMQTTTopic    = "mqtt_topic"
	metaMQTTQoS      = "mqtt_qos"
	metaMQTTRetained = "mqtt_retained"
	metaCommand      = "sparkplug_command"
	metaMetric       = "sparkplug_metric"
	metaSlot         = "sparkplug_slot"
	metaType         = "sparkplug_type"
	metaMsgType      = "sparkplug_msg_type"
	metaDeviceKey    = "sparkplug_device_key"
)

// connectionFields returns the fields that describe the broker connection.
// Components that name the same connection must describe it identically.
func connectionFields() []*service.ConfigField {
	return []*service.ConfigField{
		service.NewStringField(fieldConnection).
			Description("Name of the broker connection. Components naming the same connection share one MQTT client, sequence counters and store-and-forward queue. Empty gives the component a connection of its own.").
			Default(""),
		service.NewObjectField(fieldMQTT,
			service.NewStringListField("urls").
				Description("List of MQTT broker URLs to connect to").
				Example([]string{"tcp://localhost:1883", "ssl://broker.hivemq.com:8883"}).
				Default([]string{sparkplug.DefaultBrokerURL}),
			service.NewStringField("client_id").
				Description("MQTT client ID. Empty generates a random one and forces a clean session.").
				Default(""),
			service.NewObjectField("credentials",
				service.NewStringField("username").
					Description("MQTT username for authentication").
					Default(""),
				service.NewStringField("password").
					Description("MQTT password for authentication").
					Default("").
					Secret()).
				Description("MQTT authentication credentials").
				Optional(),
			service.NewIntField("qos").
				Description("QoS level for MQTT operations (0, 1, or 2)").
				Default(1).
				Examples(0, 1, 2),
			service.NewDurationField("keep_alive").
				Description("MQTT keep alive interval").
				Default("60s"),
			service.NewDurationField("connect_timeout").
				Description("MQTT connection timeout").
				Default("30s"),
			service.NewDurationField("reconnect_interval").
				Description("Pause between reconnect attempts").
				Default("5s"),
			service.NewBoolField("clean_session").
				Description("MQTT clean session flag").
				Default(true),
			service.NewTLSToggledField(fieldTLS)).
			Description("MQTT transport configuration"),
		service.NewObjectField(fieldIdentity,
			service.NewStringField("group_id").
				Description("Sparkplug Group ID (e.g., 'FactoryA')").
				Example("FactoryA").
				Default(""),
			service.NewStringField("edge_node_id").
				Description("Edge node ID. Together with group_id this makes the connection act as that edge node: it arms the NDEATH will and publishes NBIRTH on every connect.").
				Example("Line1").
				Default("")).
			Description("Sparkplug identity of the connection. Leave empty for plain clients."),
		service.NewStringEnumField(fieldCompression, "", string(payload.Deflate), string(payload.Gzip)).
			Description("Compress outgoing payloads with the given algorithm").
			Default(""),
		service.NewBoolField(fieldAliasMetrics).
			Description("Replace metric names by numeric aliases in everything but BIRTH messages").
			Default(false),
		service.NewObjectField(fieldStoreForward,
			service.NewBoolField("enabled").
				Description("Buffer edge messages while the primary host application is offline").
				Default(false),
			service.NewStringField("primary_host").
				Description("Host ID of the primary host application whose STATE gates publishing").
				Default(""),
			service.NewIntField("max_queue_size").
				Description("Messages kept while buffering. The oldest message is dropped when full.").
				Default(sparkplug.DefaultMaxQueueSize),
			service.NewIntField("drain_batch_size").
				Description("Messages published per drain step").
				Default(sparkplug.DefaultDrainBatchSize),
			service.NewDurationField("drain_pause").
				Description("Pause between drain steps").
				Default(sparkplug.DefaultDrainPause.String()),
			service.NewStringField("persist_dir").
				Description("Keep the queue in a badger database in this directory so it survives restarts").
				Default("")).
			Description("Store and forward configuration").
			Advanced(),
	}
}

// connectionConfig is the parsed connection part of a component config.
type connectionConfig struct {
	Name   string
	Config sparkplug.Config
	// TLSEnabled is kept apart because *tls.Config cannot be compared.
	TLSEnabled bool
}

func parseConnectionConfig(conf *service.ParsedConfig) (connectionConfig, error) {
	var out connectionConfig
	var err error

	if out.Name, err = conf.FieldString(fieldConnection); err != nil {
		return out, err
	}

	mqttConf := conf.Namespace(fieldMQTT)
	cfg := &out.Config.MQTT
	if cfg.URLs, err = mqttConf.FieldStringList("urls"); err != nil {
		return out, err
	}
	if cfg.ClientID, err = mqttConf.FieldString("client_id"); err != nil {
		return out, err
	}
	if mqttConf.Contains("credentials") {
		credConf := mqttConf.Namespace("credentials")
		if cfg.Username, err = credConf.FieldString("username"); err != nil {
			return out, err
		}
		if cfg.Password, err = credConf.FieldString("password"); err != nil {
			return out, err
		}
	}
	qos, err := mqttConf.FieldInt("qos")
	if err != nil {
		return out, err
	}
	if qos < 0 || qos > 2 {
		return out, fmt.Errorf("invalid QoS value %d: must be 0, 1, or 2", qos)
	}
	cfg.QoS = byte(qos)
	if cfg.KeepAlive, err = mqttConf.FieldDuration("keep_alive"); err != nil {
		return out, err
	}
	if cfg.ConnectTimeout, err = mqttConf.FieldDuration("connect_timeout"); err != nil {
		return out, err
	}
	if cfg.ReconnectInterval, err = mqttConf.FieldDuration("reconnect_interval"); err != nil {
		return out, err
	}
	if cfg.CleanSession, err = mqttConf.FieldBool("clean_session"); err != nil {
		return out, err
	}
	if cfg.TLS, out.TLSEnabled, err = mqttConf.FieldTLSToggled(fieldTLS); err != nil {
		return out, err
	}
	if !out.TLSEnabled {
		cfg.TLS = nil
	}

	idConf := conf.Namespace(fieldIdentity)
	if out.Config.Identity.GroupID, err = idConf.FieldString("group_id"); err != nil {
		return out, err
	}
	if out.Config.Identity.EdgeNodeID, err = idConf.FieldString("edge_node_id"); err != nil {
		return out, err
	}

	alg, err := conf.FieldString(fieldCompression)
	if err != nil {
		return out, err
	}
	if out.Config.Compression, err = payload.ParseAlgorithm(alg); err != nil {
		return out, err
	}
	if out.Config.AliasMetrics, err = conf.FieldBool(fieldAliasMetrics); err != nil {
		return out, err
	}

	sfConf := conf.Namespace(fieldStoreForward)
	sf := &out.Config.StoreForward
	if sf.Enabled, err = sfConf.FieldBool("enabled"); err != nil {
		return out, err
	}
	if sf.PrimaryHost, err = sfConf.FieldString("primary_host"); err != nil {
		return out, err
	}
	if sf.MaxQueueSize, err = sfConf.FieldInt("max_queue_size"); err != nil {
		return out, err
	}
	if sf.DrainBatchSize, err = sfConf.FieldInt("drain_batch_size"); err != nil {
		return out, err
	}
	if sf.DrainPause, err = sfConf.FieldDuration("drain_pause"); err != nil {
		return out, err
	}
	if sf.PersistDir, err = sfConf.FieldString("persist_dir"); err != nil {
		return out, err
	}

	// validate a copy so the pool still sees the configuration as written
	check := out.Config
	check.ApplyDefaults()
	if err := check.Validate(); err != nil {
		return out, fmt.Errorf("invalid configuration: %w", err)
	}
	return out, nil
}

// metricFields describes one metric definition in a component config.
func metricFields() []*service.ConfigField {
	return []*service.ConfigField{
		service.NewStringField("name").
			Description("Metric name, e.g. 'Temperature' or 'Motor/Speed'"),
		service.NewStringField("type").
			Description("Sparkplug data type name, e.g. 'Int32', 'Double', 'Boolean', 'String'").
			Example("Double"),
		service.NewStringMapField("properties").
			Description("Static string properties published with the metric in BIRTH, e.g. engineering units").
			Example(map[string]any{"engUnit": "°C"}).
			Optional(),
	}
}

func parseMetricDefinitions(conf *service.ParsedConfig, field string) ([]sparkplug.MetricDefinition, error) {
	if !conf.Contains(field) {
		return nil, nil
	}
	list, err := conf.FieldObjectList(field)
	if err != nil {
		return nil, err
	}
	defs := make([]sparkplug.MetricDefinition, 0, len(list))
	for i, mc := range list {
		var def sparkplug.MetricDefinition
		if def.Name, err = mc.FieldString("name"); err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", field, i, err)
		}
		typeName, err := mc.FieldString("type")
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", field, i, err)
		}
		if def.Type, err = payload.ParseDataType(strings.TrimSpace(typeName)); err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", field, i, err)
		}
		if mc.Contains("properties") {
			props, err := mc.FieldStringMap("properties")
			if err != nil {
				return nil, fmt.Errorf("%s[%d]: %w", field, i, err)
			}
			def.Properties = make(map[string]payload.PropertyValue, len(props))
			for k, v := range props {
				def.Properties[k] = payload.PropertyValue{Type: payload.String, Value: v}
			}
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// statusLogger logs connection status changes of one component.
func statusLogger(logger *service.Logger, component string) func(sparkplug.Status) {
	return func(status sparkplug.Status) {
		switch status {
		case sparkplug.StatusConnected:
			logger.Infof("%s: connected", component)
		case sparkplug.StatusBuffering:
			logger.Infof("%s: primary host offline, buffering", component)
		case sparkplug.StatusConnectFailed:
			logger.Warnf("%s: connect failed", component)
		default:
			logger.Debugf("%s: %s", component, status)
		}
	}
}
