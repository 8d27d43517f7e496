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

import (
	"github.com/oov/audio/resampler"
)

const resampleQuality = 10

// Resampler converts a mono stream between sample rates. It keeps filter
// state between calls, so one instance must only see one continuous stream.
type Resampler struct {
	from, to int
	r        *resampler.Resampler
}

// NewResampler creates a mono resampler from one rate to another.
func NewResampler(from, to int) *Resampler {
	return &Resampler{
		from: from,
		to:   to,
		r:    resampler.New(1, from, to, resampleQuality),
	}
}

// Process converts in and returns the resampled samples.
func (r *Resampler) Process(in []float32) []float32 {
	if len(in) == 0 {
		return nil
	}

	out := make([]float32, len(in)*r.to/r.from+64)
	read, written := 0, 0
	for read < len(in) {
		if written == len(out) {
			out = append(out, make([]float32, len(out)/2+64)...)
		}
		rd, wr := r.r.ProcessFloat32(0, in[read:], out[written:])
		if rd == 0 && wr == 0 {
			break
		}
		read += rd
		written += wr
	}
	return out[:written]
}
