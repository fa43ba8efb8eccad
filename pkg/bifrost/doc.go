// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package bifrost defines the contract between the bridge core and the
// multi-protocol remote backend. The backend owns the actual protocol
// plugins and their connections; the bridge only sees protocols, live
// account handles, and a stream of remote events.
//
// Implementations register themselves in [Backends] from their own
// package init, and the bridge selects one by name at startup.
package bifrost
