// Package service drives the matching engines from the order log.
//
// Intake applies each consumed record to its pair's engine, hands the
// resulting events to the outbox and commits the offset. The
// RecoveryCoordinator restores engines from snapshots at startup and
// decides which redelivered records are already reflected in them, so
// at-least-once delivery yields effectively-once application.
//
// SnapshotJob and SequenceJob persist the recovery checkpoints. They take
// a pair's lock only while copying its state.
package service
