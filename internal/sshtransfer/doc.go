// Package sshtransfer moves files between the local filesystem and managed
// endpoints.
//
// # Architecture
//
// Each [Job] runs on its own goroutine once it wins one of MaxConcurrent
// worker slots. The job borrows a [sshmanager.DataChannel] and streams the
// file in ChunkSize pieces: uploads through "cat > path", downloads through
// "stat -c %s" followed by "cat path". The local side goes through an
// afero.Fs so tests can run against memory.
//
// # Job States
//
//	pending -> transferring <-> paused
//	pending | transferring | paused -> failed | cancelled
//	transferring -> completed
//
// Completed, failed and cancelled are terminal. Pause takes effect at the
// next chunk boundary. Cancel closes only the job's data channel; the
// pooled session it rode on stays connected.
//
// Every terminal job is persisted as a TransferRecord and audited under the
// ftp category.
//
// # Log Prefixes
//
// All log output uses the transfer logger name.
package sshtransfer
