package audio

import "encoding/binary"

// ResampleMono16 converts little-endian int16 mono PCM between rates by
// linear interpolation. The playback scheduler uses it to bring response
// chunks to the device rate, and the OpenAI transport to lift 16 kHz capture
// to 24 kHz. Equal or non-positive rates return pcm unchanged. The final
// source sample is held where it has no right neighbour.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	n := len(pcm) / 2
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || n == 0 {
		return pcm
	}
	outLen := int(int64(n) * int64(dstRate) / int64(srcRate))
	if outLen == 0 {
		return nil
	}

	at := func(i int) float64 {
		i = min(i, n-1)
		return float64(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
	}
	step := float64(srcRate) / float64(dstRate)
	out := make([]byte, 2*outLen)
	for i := range outLen {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)
		v := at(idx)*(1-frac) + at(idx+1)*frac
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(v)))
	}
	return out
}

// ResampleChunk converts a mono PCM [MediaChunk] to dstRate, retagging the
// MIME type. Chunks already at dstRate are returned unchanged.
func ResampleChunk(chunk MediaChunk, srcRate, dstRate int) MediaChunk {
	if srcRate == dstRate {
		return chunk
	}
	return MediaChunk{
		Data:     ResampleMono16(chunk.Data, srcRate, dstRate),
		MIMEType: PCMMIMEType(dstRate),
	}
}
