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
	"fmt"
	"math"
	"testing"
)

func benchmarkBlock(n int) []float32 {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(0.5 * math.Sin(2*math.Pi*440*float64(i)/CaptureSampleRate))
	}
	return samples
}

func BenchmarkEncodePCM16(b *testing.B) {
	for _, size := range []int{512, 4096} {
		samples := benchmarkBlock(size)
		b.Run(fmt.Sprintf("%d_samples", size), func(b *testing.B) {
			b.SetBytes(int64(size * 2))
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				_ = EncodePCM16(samples)
			}
		})
	}
}

func BenchmarkDecodeAndResample(b *testing.B) {
	pcm := EncodePCM16(benchmarkBlock(SpeechSampleRate / 10))
	b.SetBytes(int64(len(pcm)))
	b.ReportAllocs()
	b.ResetTimer()

	r := NewResampler(SpeechSampleRate, 48000)
	for i := 0; i < b.N; i++ {
		samples, err := DecodePCM16(pcm, 1)
		if err != nil {
			b.Fatal(err)
		}
		_ = r.Process(samples)
	}
}
