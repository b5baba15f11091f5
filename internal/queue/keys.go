package queue

import (
	"strconv"

	"github.com/coursekit/media-pipeline/pkg/models"
)

// Redis key naming conventions for queue data.
// All keys are prefixed with "pipeline:" to avoid collisions.

const keyPrefix = "pipeline:"

// jobKey returns the Hash key for a job: pipeline:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// readyKey returns the Sorted Set key holding jobs eligible for (or
// scheduled for) delivery in one priority class: pipeline:ready:{class}
func readyKey(p models.Priority) string {
	return keyPrefix + "ready:" + strconv.Itoa(int(p))
}

// idempotencyKey maps a caller-supplied submission key to a job id.
func idempotencyKey(key string) string { return keyPrefix + "idem:" + key }

// activeKey is the Sorted Set of leased jobs, scored by lease expiry.
const activeKey = keyPrefix + "active"

// completedKey is the List of recently completed job ids, newest first.
const completedKey = keyPrefix + "history:completed"

// failedKey is the List of terminally failed job ids, newest first.
const failedKey = keyPrefix + "history:failed"

// seqKey is an INCR counter used to break FIFO ties within a priority class.
const seqKey = keyPrefix + "seq"
