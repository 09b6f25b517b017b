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
	"context"
	"fmt"

	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/united-manufacturing-hub/benthos-sparkplug/pkg/sparkplug"
	"github.com/united-manufacturing-hub/benthos-sparkplug/pkg/sparkplug/payload"
	"github.com/united-manufacturing-hub/benthos-sparkplug/pkg/sparkplug/topic"
)

func init() {
	spec := service.NewConfigSpec().
		Version("1.0.0").
		Summary("Decodes Sparkplug B payloads and resolves metric aliases using BIRTH packets").
		Description(`Decodes messages whose body is a Sparkplug B payload, for example ones read by a
plain MQTT input. The MQTT topic is taken from the mqtt_topic metadata and must follow
spBv1.0/<Group>/<MsgType>/<EdgeNode>[/<Device>].

Compressed payloads (SPBV1.0_COMPRESSED) are inflated. Aliases announced in NBIRTH/DBIRTH
are cached per device and used to fill in metric names of later messages. DEATH messages
clear the cache of their device.

Malformed payloads are dropped without stopping the pipeline.`).
		Field(service.NewBoolField("drop_birth_messages").
			Description("Drop BIRTH messages after caching their aliases").
			Default(false)).
		Field(service.NewBoolField("strict_topic_validation").
			Description("Drop messages without a valid Sparkplug topic. When false they pass through unchanged.").
			Default(false)).
		Field(service.NewBoolField("split_metrics").
			Description("Emit one message per metric instead of one per payload").
			Default(false)).
		Field(service.NewIntField("alias_cache_size").
			Description("Maximum number of devices whose aliases are remembered. The device heard from least recently is forgotten first.").
			Default(sparkplug.DefaultAliasCacheSize).
			Advanced())

	err := service.RegisterProcessor(
		"sparkplug_b_decode",
		spec,
		func(conf *service.ParsedConfig, mgr *service.Resources) (service.Processor, error) {
			dropBirthMessages, err := conf.FieldBool("drop_birth_messages")
			if err != nil {
				return nil, err
			}
			strictTopicValidation, err := conf.FieldBool("strict_topic_validation")
			if err != nil {
				return nil, err
			}
			split, err := conf.FieldBool("split_metrics")
			if err != nil {
				return nil, err
			}
			cacheSize, err := conf.FieldInt("alias_cache_size")
			if err != nil {
				return nil, err
			}
			if cacheSize <= 0 {
				return nil, fmt.Errorf("alias_cache_size must be positive, got %d", cacheSize)
			}
			return newDecodeProcessor(dropBirthMessages, strictTopicValidation, split, cacheSize, mgr), nil
		})
	if err != nil {
		panic(err)
	}
}

type decodeProcessor struct {
	dropBirthMessages     bool
	strictTopicValidation bool
	split                 bool
	logger                *service.Logger
	codec                 payload.Codec
	aliases               *sparkplug.AliasCache

	messagesProcessed *service.MetricCounter
	messagesDropped   *service.MetricCounter
	messagesErrored   *service.MetricCounter
	aliasResolutions  *service.MetricCounter
}

func newDecodeProcessor(dropBirthMessages, strictTopicValidation, split bool, cacheSize int, mgr *service.Resources) *decodeProcessor {
	metrics := mgr.Metrics()
	return &decodeProcessor{
		dropBirthMessages:     dropBirthMessages,
		strictTopicValidation: strictTopicValidation,
		split:                 split,
		logger:                mgr.Logger(),
		codec:                 payload.NewProtoCodec(),
		aliases:               sparkplug.NewAliasCacheSize(cacheSize),
		messagesProcessed:     metrics.NewCounter("messages_processed"),
		messagesDropped:       metrics.NewCounter("messages_dropped"),
		messagesErrored:       metrics.NewCounter("messages_errored"),
		aliasResolutions:      metrics.NewCounter("alias_resolutions"),
	}
}

// passOrDrop handles messages that are not Sparkplug messages.
func (s *decodeProcessor) passOrDrop(m *service.Message, reason string) (service.MessageBatch, error) {
	if s.strictTopicValidation {
		s.logger.Debugf("%s, dropping message", reason)
		s.messagesDropped.Incr(1)
		return nil, nil
	}
	s.logger.Debugf("%s, passing through unchanged", reason)
	s.messagesProcessed.Incr(1)
	return service.MessageBatch{m}, nil
}

func (s *decodeProcessor) Process(ctx context.Context, m *service.Message) (service.MessageBatch, error) {
	t, exists := m.MetaGet(metaMQTTTopic)
	if !exists {
		return s.passOrDrop(m, "Message missing mqtt_topic metadata")
	}
	info, err := topic.Parse(t)
	if err != nil || info.Type == topic.STATE {
		return s.passOrDrop(m, "Invalid Sparkplug topic format: "+t)
	}

	raw, err := m.AsBytes()
	if err != nil {
		s.logger.Errorf("Failed to get message bytes from topic %s: %v", t, err)
		s.messagesErrored.Incr(1)
		s.messagesDropped.Incr(1)
		return nil, nil
	}
	p, err := s.codec.Decode(raw)
	if err == nil {
		p, err = payload.MaybeDecompress(s.codec, p)
	}
	if err != nil {
		s.logger.Errorf("Failed to decode Sparkplug payload from topic %s: %v", t, err)
		s.messagesErrored.Incr(1)
		s.messagesDropped.Incr(1)
		return nil, nil
	}

	key := info.DeviceKey()
	switch {
	case info.Type.IsBirth():
		if n := s.aliases.CacheAliases(key, p.Metrics); n > 0 {
			s.logger.Debugf("Cached %d aliases from %s message for device %s", n, info.Type, key)
		}
		if s.dropBirthMessages {
			s.messagesDropped.Incr(1)
			return nil, nil
		}
	case info.Type.IsDeath():
		s.aliases.Forget(key)
	default:
		if n := s.aliases.ResolveAliases(key, p.Metrics); n > 0 {
			s.logger.Debugf("Resolved %d aliases in %s message for device %s", n, info.Type, key)
			s.aliasResolutions.Incr(1)
		}
	}

	var batch service.MessageBatch
	if s.split {
		batch, err = splitMessages(t, p)
	} else {
		var msg *service.Message
		if msg, err = payloadMessage(t, p); err == nil {
			batch = service.MessageBatch{msg}
		}
	}
	if err != nil {
		s.logger.Errorf("%v", err)
		s.messagesErrored.Incr(1)
		s.messagesDropped.Incr(1)
		return nil, nil
	}

	// keep the metadata of the original message, e.g. mqtt_qos
	_ = m.MetaWalk(func(k, v string) error {
		for _, out := range batch {
			if _, ok := out.MetaGet(k); !ok {
				out.MetaSet(k, v)
			}
		}
		return nil
	})
	s.messagesProcessed.Incr(1)
	return batch, nil
}

func (s *decodeProcessor) Close(ctx context.Context) error {
	s.aliases.Clear()
	s.logger.Debug("Sparkplug B processor closed and alias cache cleared")
	return nil
}
