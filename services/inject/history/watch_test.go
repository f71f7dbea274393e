// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitForRecord_AlreadyPresent(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, Options{})
	require.NoError(t, s.Append(ctx, NewRecord(1, 10)))

	rec, err := WaitForRecord(ctx, s.Dir(), 1)
	require.NoError(t, err)
	assert.Equal(t, 10, rec.Window)
	assert.True(t, RecordExists(s.Dir(), 1))
}

func TestWaitForRecord_WrittenLater(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s := openStore(t, Options{})

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = s.Append(context.Background(), NewRecord(1, 5))
		time.Sleep(20 * time.Millisecond)
		_ = s.Append(context.Background(), NewRecord(2, 10))
	}()

	rec, err := WaitForRecord(ctx, s.Dir(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.TrialID)
}

func TestWaitForRecord_ContextEnds(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	s := openStore(t, Options{})

	_, err := WaitForRecord(ctx, s.Dir(), 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, RecordExists(s.Dir(), 1))
}
