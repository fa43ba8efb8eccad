// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package bridge routes events between Matrix and a multi-protocol
// chat backend. It classifies rooms as admin, direct or group chats,
// resolves Matrix users to backend accounts, negotiates remote joins,
// and suppresses the duplicates that shared group conversations
// produce.
package bridge
