// Package merkle builds binary hash trees over hex-encoded leaf hashes.
//
// Leaves are paired left to right at every level. A trailing node without a
// partner is paired with itself, H(x, x). A single leaf is its own root and
// an empty tree has root EmptyRoot.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// EmptyRoot is the root of a tree with no leaves.
const EmptyRoot = "0000000000000000000000000000000000000000000000000000000000000000"

// ErrIndexOutOfRange is returned by Proof for an index outside the leaves.
var ErrIndexOutOfRange = errors.New("merkle: leaf index out of range")

// Side says where a proof sibling sits relative to the running hash.
type Side string

const (
	// Left: acc = H(sibling, acc).
	Left Side = "L"
	// Right: acc = H(acc, sibling).
	Right Side = "R"
)

// Step is one level of an inclusion proof.
type Step struct {
	Hash string `json:"hash"`
	Side Side   `json:"side"`
}

// HashPair returns the parent of left and right.
func HashPair(left, right string) string {
	h := sha256.New()
	h.Write([]byte(left))
	h.Write([]byte(right))
	return hex.EncodeToString(h.Sum(nil))
}

// Build returns the root over leaves.
func Build(leaves []string) string {
	if len(leaves) == 0 {
		return EmptyRoot
	}
	level := leaves
	for len(level) > 1 {
		level = parents(level)
	}
	return level[0]
}

// Proof returns the inclusion proof for leaves[index], one step per level
// from the leaf upwards. A self-paired node contributes its own hash as a
// Right sibling.
func Proof(leaves []string, index int) ([]Step, error) {
	if index < 0 || index >= len(leaves) {
		return nil, ErrIndexOutOfRange
	}

	var steps []Step
	level := leaves
	for len(level) > 1 {
		if index%2 == 0 {
			sibling := level[index]
			if index+1 < len(level) {
				sibling = level[index+1]
			}
			steps = append(steps, Step{Hash: sibling, Side: Right})
		} else {
			steps = append(steps, Step{Hash: level[index-1], Side: Left})
		}
		level = parents(level)
		index /= 2
	}
	return steps, nil
}

// Verify folds proof over leaf and reports whether the result equals root.
func Verify(leaf string, proof []Step, root string) bool {
	acc := leaf
	for _, step := range proof {
		switch step.Side {
		case Left:
			acc = HashPair(step.Hash, acc)
		case Right:
			acc = HashPair(acc, step.Hash)
		default:
			return false
		}
	}
	return acc == root
}

func parents(level []string) []string {
	next := make([]string, 0, (len(level)+1)/2)
	for i := 0; i < len(level); i += 2 {
		left := level[i]
		right := left
		if i+1 < len(level) {
			right = level[i+1]
		}
		next = append(next, HashPair(left, right))
	}
	return next
}
