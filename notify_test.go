// Copyright 2024-present the postpone authors. All rights reserved.
// Use of this source code is governed by a MIT-license that can be
// found in the LICENSE file.

package postpone

import (
	"reflect"
	"testing"
)

func TestChannelForQueue(t *testing.T) {
	if have, want := ChannelForQueue("default"), "postpone_queue#default"; have != want {
		t.Fatalf("channel = %q, want %q", have, want)
	}
}

func TestChannelsForQueues(t *testing.T) {
	tests := []struct {
		name   string
		queues []string
		want   []string
	}{
		{
			name: "empty filter means any queue",
			want: []string{"postpone_any_queue"},
		},
		{
			name:   "single queue",
			queues: []string{"default"},
			want:   []string{"postpone_queue#default"},
		},
		{
			name:   "multiple queues",
			queues: []string{"default", "media"},
			want:   []string{"postpone_queue#default", "postpone_queue#media"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if have := ChannelsForQueues(tt.queues...); !reflect.DeepEqual(have, tt.want) {
				t.Fatalf("channels = %v, want %v", have, tt.want)
			}
		})
	}
}
