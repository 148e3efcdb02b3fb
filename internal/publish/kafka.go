// Copyright 2025 The FMS Collector Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package publish

import (
	"context"

	"github.com/segmentio/kafka-go"

	"go.chromium.org/luci/common/errors"
)

// KafkaBus implements Bus on a Kafka topic.
type KafkaBus struct {
	writer *kafka.Writer
}

// NewKafkaBus returns a bus writing to the given topic. WriteMessages
// blocks until all brokers acknowledge, which is what gives Publish its
// flush semantics.
func NewKafkaBus(brokers []string, topic string) *KafkaBus {
	return &KafkaBus{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.LeastBytes{},
		},
	}
}

// Publish implements Bus.
func (b *KafkaBus) Publish(ctx context.Context, payloads [][]byte) error {
	msgs := make([]kafka.Message, len(payloads))
	for i, p := range payloads {
		msgs[i] = kafka.Message{Value: p}
	}
	if err := b.writer.WriteMessages(ctx, msgs...); err != nil {
		return errors.Annotate(err, "writing to topic %q", b.writer.Topic).Err()
	}
	return nil
}

// Close implements Bus.
func (b *KafkaBus) Close() error {
	return b.writer.Close()
}
