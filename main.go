// SPDX-FileCopyrightText: (C) 2025 Open PKI Project
// SPDX-License-Identifier: Apache 2.0

package main

import "github.com/open-pki/go-cmp-server/cmd"

func main() {
	cmd.Execute()
}
