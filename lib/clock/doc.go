// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for testability. Production code
// injects [Real]; tests inject [Fake] and drive time explicitly with
// Advance.
//
// The cache sweeper, tiering scheduler, and backup schedule are all
// interval-driven. With a fake clock their tests fire ticks
// deterministically instead of sleeping, so TTL boundaries and
// demotion thresholds can be asserted exactly.
package clock
