/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package audio

// timeline places segments on the output device's sample clock. Positions
// are device frames; the cursor marks where the next segment may begin.
type timeline struct {
	cursor  int64
	entries []scheduledSegment
}

type scheduledSegment struct {
	start   int64
	samples []float32
}

func (s scheduledSegment) end() int64 {
	return s.start + int64(len(s.samples))
}

// schedule places samples at max(cursor, now) and advances the cursor past
// them. It returns the start position.
func (t *timeline) schedule(samples []float32, now int64) int64 {
	start := max(t.cursor, now)
	t.entries = append(t.entries, scheduledSegment{start: start, samples: samples})
	t.cursor = start + int64(len(samples))
	return start
}

// flush discards every segment that has not finished, including one that
// is partway through, and moves the cursor to now.
func (t *timeline) flush(now int64) int {
	discarded := len(t.entries)
	clear(t.entries)
	t.entries = t.entries[:0]
	t.cursor = now
	return discarded
}

// render fills dst with the audio due in [pos, pos+len(dst)) and forgets
// segments that end inside that window.
func (t *timeline) render(dst []float32, pos int64) {
	clear(dst)
	windowEnd := pos + int64(len(dst))

	kept := t.entries[:0]
	for _, seg := range t.entries {
		if seg.start < windowEnd {
			from := max(seg.start, pos)
			to := min(seg.end(), windowEnd)
			for i := from; i < to; i++ {
				dst[i-pos] += seg.samples[i-seg.start]
			}
		}
		if seg.end() > windowEnd {
			kept = append(kept, seg)
		}
	}
	clear(t.entries[len(kept):])
	t.entries = kept
}

func (t *timeline) pending() int {
	return len(t.entries)
}
