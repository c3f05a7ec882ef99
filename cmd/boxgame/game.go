package main

import (
	"encoding/binary"
	"fmt"

	"github.com/donedgardo/rollback/pkg/input"
)

// One byte of input per player, a direction bitmask.
const (
	btnUp byte = 1 << iota
	btnDown
	btnLeft
	btnRight
)

type box struct {
	X, Y int32
}

// boxGame is the demo simulation: every player steers a box across an
// integer grid. All arithmetic is integral, so every machine that steps the
// same inputs lands on bit-identical state.
type boxGame struct {
	boxes []box
	frame int32
	arena int32
	speed int32
}

func newBoxGame(players int, arena, speed int32) *boxGame {
	g := &boxGame{boxes: make([]box, players), arena: arena, speed: speed}
	for i := range g.boxes {
		g.boxes[i] = box{X: int32(i+1) * arena / int32(players+1), Y: arena / 2}
	}
	return g
}

func (g *boxGame) Step(inputs []input.Input) {
	for h, in := range inputs {
		mask := in.Bits[0]
		b := &g.boxes[h]
		if mask&btnUp != 0 {
			b.Y -= g.speed
		}
		if mask&btnDown != 0 {
			b.Y += g.speed
		}
		if mask&btnLeft != 0 {
			b.X -= g.speed
		}
		if mask&btnRight != 0 {
			b.X += g.speed
		}
		b.X = clamp(b.X, 0, g.arena)
		b.Y = clamp(b.Y, 0, g.arena)
	}
	g.frame++
}

func clamp(v, lo, hi int32) int32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (g *boxGame) saveBoxes() ([]byte, error) {
	buf := make([]byte, 8*len(g.boxes))
	for i, b := range g.boxes {
		binary.LittleEndian.PutUint32(buf[i*8:], uint32(b.X))
		binary.LittleEndian.PutUint32(buf[i*8+4:], uint32(b.Y))
	}
	return buf, nil
}

func (g *boxGame) loadBoxes(buf []byte) error {
	if len(buf) != 8*len(g.boxes) {
		return fmt.Errorf("box snapshot is %d bytes, want %d", len(buf), 8*len(g.boxes))
	}
	for i := range g.boxes {
		g.boxes[i].X = int32(binary.LittleEndian.Uint32(buf[i*8:]))
		g.boxes[i].Y = int32(binary.LittleEndian.Uint32(buf[i*8+4:]))
	}
	return nil
}

func (g *boxGame) saveFrame() ([]byte, error) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(g.frame))
	return buf, nil
}

func (g *boxGame) loadFrame(buf []byte) error {
	if len(buf) != 4 {
		return fmt.Errorf("frame snapshot is %d bytes, want 4", len(buf))
	}
	g.frame = int32(binary.LittleEndian.Uint32(buf))
	return nil
}

// scriptedInput is the demo's stand-in for a controller: a direction pattern
// derived from the frame number.
func scriptedInput(frame input.Frame) byte {
	switch (frame / 30) % 4 {
	case 0:
		return btnRight
	case 1:
		return btnDown
	case 2:
		return btnLeft
	default:
		return btnUp
	}
}
