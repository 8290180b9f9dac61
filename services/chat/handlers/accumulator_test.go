// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAccumulator(t *testing.T) ReplyAccumulator {
	t.Helper()
	t.Setenv("MITO_INSECURE_MEMORY", "true")
	acc, err := NewReplyAccumulator()
	require.NoError(t, err)
	return acc
}

func TestAccumulator_WriteAndFinalize(t *testing.T) {
	acc := newAccumulator(t)
	defer acc.Destroy()

	require.NoError(t, acc.Write("hello"))
	require.NoError(t, acc.Write(", "))
	require.NoError(t, acc.Write("world"))

	reply, digest, err := acc.Finalize()
	require.NoError(t, err)
	assert.Equal(t, "hello, world", reply)

	sum := sha256.Sum256([]byte("hello, world"))
	assert.Equal(t, hex.EncodeToString(sum[:]), digest)
}

func TestAccumulator_EmptyReply(t *testing.T) {
	acc := newAccumulator(t)
	defer acc.Destroy()

	reply, digest, err := acc.Finalize()
	require.NoError(t, err)
	assert.Equal(t, "", reply)

	sum := sha256.Sum256(nil)
	assert.Equal(t, hex.EncodeToString(sum[:]), digest)
}

func TestAccumulator_WriteAfterFinalizeFails(t *testing.T) {
	acc := newAccumulator(t)

	require.NoError(t, acc.Write("x"))
	_, _, err := acc.Finalize()
	require.NoError(t, err)

	assert.Error(t, acc.Write("y"))
	_, _, err = acc.Finalize()
	assert.Error(t, err)
}

func TestAccumulator_Overflow(t *testing.T) {
	acc := newAccumulator(t)
	defer acc.Destroy()

	big := strings.Repeat("a", ReplyBufferSize)
	require.NoError(t, acc.Write(big))
	assert.Error(t, acc.Write("one more byte"))

	_, _, err := acc.Finalize()
	assert.Error(t, err, "an overflowed accumulator never returns partial data")
}

func TestAccumulator_DestroyIsIdempotent(t *testing.T) {
	acc := newAccumulator(t)
	require.NoError(t, acc.Write("secret"))

	acc.Destroy()
	acc.Destroy()

	assert.Error(t, acc.Write("more"))
	assert.NotEmpty(t, acc.ID())
}
