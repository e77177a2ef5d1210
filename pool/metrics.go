/*
 * Copyright 2025 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Observability only: nothing in the pool reads these back.
var (
	blocksConstructed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cudabuddy",
		Subsystem: "pool",
		Name:      "blocks_constructed_total",
		Help:      "Fixed-size buddy blocks ever constructed, per location.",
	}, []string{"location"})

	cachedBlocks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cudabuddy",
		Subsystem: "pool",
		Name:      "cached_blocks",
		Help:      "Released blocks currently cached for reuse, per location.",
	}, []string{"location"})

	exhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cudabuddy",
		Subsystem: "pool",
		Name:      "exhausted_total",
		Help:      "Block requests rejected because the construction ceiling was reached.",
	}, []string{"location"})
)
