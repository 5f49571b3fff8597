// Copyright 2024-present the postpone authors. All rights reserved.
// Use of this source code is governed by a MIT-license that can be
// found in the LICENSE file.

package postpone

const (
	// AnyQueueChannel is notified on every defer, regardless of queue.
	AnyQueueChannel = "postpone_any_queue"

	// queueChannelPrefix prefixes per-queue notification channels. The
	// scheme must stay stable across versions: producers and consumers
	// deployed at different times have to agree on channel identity.
	queueChannelPrefix = "postpone_queue#"
)

// ChannelForQueue returns the notification channel for a single queue.
func ChannelForQueue(queue string) string {
	return queueChannelPrefix + queue
}

// ChannelsForQueues maps a queue filter to the channels a worker must
// subscribe to. An empty filter maps to the wildcard channel.
func ChannelsForQueues(queues ...string) []string {
	if len(queues) == 0 {
		return []string{AnyQueueChannel}
	}
	channels := make([]string, len(queues))
	for i, queue := range queues {
		channels[i] = ChannelForQueue(queue)
	}
	return channels
}
