// Package progress fans out live workflow events to observers. Delivery is
// best-effort and at-most-once; an observer that connects late reconciles
// against the checkpoint store and then follows live events from its cursor.
package progress
