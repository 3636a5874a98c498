// Package qkd はBB84プロトコルによる量子鍵配送のシミュレーションを提供する。
//
// 量子チャネル・測定・ふるい分け（sifting）・誤り率推定・秘匿性増強を
// 計算のみでシミュレートする。実際の量子ハードウェアは使用しない。
package qkd

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"quantum-key-service/internal/domain"
)

// Basis は量子ビットの測定基底を表す。
type Basis byte

const (
	// BasisRectilinear は直線基底（0°/90°）。
	BasisRectilinear Basis = 0
	// BasisDiagonal は対角基底（45°/135°）。
	BasisDiagonal Basis = 1
)

const (
	// DefaultSampleSize は誤り率推定に使用する既定のサンプルビット数。
	DefaultSampleSize = 50
	// DefaultQBERThreshold は既定のQBERしきい値。
	// 傍受再送攻撃は約25%のQBERを生じるため、11%で十分に検出できる。
	DefaultQBERThreshold = 0.11

	// hkdfInfo は秘匿性増強のHKDFドメイン分離文字列。
	hkdfInfo = "qkd:bb84:privacy-amplification:v1"
)

// Config はシミュレータの動作パラメータ。
type Config struct {
	// SampleSize は誤り率推定のサンプルビット数。0の場合はDefaultSampleSize。
	SampleSize int
	// QBERThreshold はこの値を超えるQBERで交換を中断するしきい値。
	// 0の場合はDefaultQBERThreshold。
	QBERThreshold float64
	// NoiseRate は基底一致時にビットが反転するチャネル雑音率（0.0〜1.0）。
	NoiseRate float64
	// Eavesdrop がtrueの場合、傍受再送攻撃（intercept-resend）を注入する。
	Eavesdrop bool
	// Rand は乱数源。nilの場合はcrypto/rand.Readerを使用する。
	// テストではシード付きの乱数源に差し替えられる。
	Rand io.Reader
}

// Simulator はBB84プロトコルのシミュレータ。
// 純粋なCPU計算のみで、ブロッキングI/Oや中断点を持たない。
type Simulator struct {
	sampleSize int
	threshold  float64
	noiseRate  float64
	eavesdrop  bool
	rand       io.Reader
}

// NewSimulator は新しいSimulatorを生成する。
func NewSimulator(cfg Config) *Simulator {
	s := &Simulator{
		sampleSize: cfg.SampleSize,
		threshold:  cfg.QBERThreshold,
		noiseRate:  cfg.NoiseRate,
		eavesdrop:  cfg.Eavesdrop,
		rand:       cfg.Rand,
	}
	if s.sampleSize <= 0 {
		s.sampleSize = DefaultSampleSize
	}
	if s.threshold <= 0 {
		s.threshold = DefaultQBERThreshold
	}
	if s.rand == nil {
		s.rand = rand.Reader
	}
	return s
}

// Result は鍵交換の結果。
type Result struct {
	// Key は秘匿性増強後の最終共有鍵。
	Key []byte
	// KeyID はこの交換に紐付く一意な識別子。
	KeyID string
	// QBER はサンプル比較で観測された量子ビット誤り率。
	QBER float64
	// SiftedBits はふるい分け後のビット数（サンプル除去前）。
	SiftedBits int
}

// EstablishKeyPair は2者間でBB84プロトコルを実行し、共有鍵を確立する。
//
// 要求鍵長の4倍のビットを送信する。基底不一致で約半分が失われ、
// さらに誤り率推定のサンプル分が消費されるためのオーバーサンプリングである。
// QBERがしきい値を超えた場合はErrProtocolAbortedを返し、鍵素材は
// 一切保持しない。中間状態の再利用は不可で、呼び出し側は新しい交換を
// やり直す必要がある。
func (s *Simulator) EstablishKeyPair(partyA, partyB string, keyLengthBits int) (*Result, error) {
	if keyLengthBits <= 0 || keyLengthBits%8 != 0 {
		return nil, fmt.Errorf("%w: %d bits", domain.ErrInvalidKeyLength, keyLengthBits)
	}

	n := keyLengthBits * 4

	// 送信側（partyA）がランダムなビット列と基底列を準備する
	aliceBits, err := s.randomBits(n)
	if err != nil {
		return nil, fmt.Errorf("generating sender bits: %w", err)
	}
	aliceBases, err := s.randomBases(n)
	if err != nil {
		return nil, fmt.Errorf("generating sender bases: %w", err)
	}
	bobBases, err := s.randomBases(n)
	if err != nil {
		return nil, fmt.Errorf("generating receiver bases: %w", err)
	}

	// 量子チャネルの伝送と受信側（partyB）の測定
	bobBits, err := s.measure(aliceBits, aliceBases, bobBases)
	if err != nil {
		return nil, fmt.Errorf("simulating measurement: %w", err)
	}

	// ふるい分け: 基底が一致した位置のみを残す
	siftedIdx := Sift(aliceBases, bobBases)
	aliceSifted := pick(aliceBits, siftedIdx)
	bobSifted := pick(bobBits, siftedIdx)

	// 誤り率推定: ふるい分け後からランダムな互いに素のサンプルを取り、
	// 公開比較でQBERを算出する。比較に使ったビットは公開情報となるため、
	// 鍵素材から必ず除外する。
	sampleSize := s.sampleSize
	if sampleSize > len(aliceSifted)/2 {
		sampleSize = len(aliceSifted) / 2
	}
	sampleIdx, err := s.sampleIndices(len(aliceSifted), sampleSize)
	if err != nil {
		return nil, fmt.Errorf("selecting error sample: %w", err)
	}

	mismatches := 0
	for _, idx := range sampleIdx {
		if aliceSifted[idx] != bobSifted[idx] {
			mismatches++
		}
	}
	qber := 0.0
	if sampleSize > 0 {
		qber = float64(mismatches) / float64(sampleSize)
	}

	if qber > s.threshold {
		// 盗聴の可能性: すべての中間ビット素材を破棄して中断する
		domain.Zeroize(aliceBits)
		domain.Zeroize(bobBits)
		domain.Zeroize(aliceSifted)
		domain.Zeroize(bobSifted)
		return nil, fmt.Errorf("%w: qber=%.4f threshold=%.4f", domain.ErrProtocolAborted, qber, s.threshold)
	}

	// サンプルビットを除去した残りが最終鍵の素材となる
	remaining := exclude(aliceSifted, sampleIdx)

	if len(remaining) < keyLengthBits {
		domain.Zeroize(aliceBits)
		domain.Zeroize(bobBits)
		domain.Zeroize(aliceSifted)
		domain.Zeroize(bobSifted)
		domain.Zeroize(remaining)
		return nil, fmt.Errorf("%w: have %d bits, need %d", domain.ErrInsufficientMaterial, len(remaining), keyLengthBits)
	}

	key, err := privacyAmplify(remaining, keyLengthBits/8)
	if err != nil {
		return nil, fmt.Errorf("privacy amplification: %w", err)
	}

	// 中間素材を消去する。以降は最終鍵のみが残る。
	domain.Zeroize(aliceBits)
	domain.Zeroize(bobBits)
	domain.Zeroize(aliceSifted)
	domain.Zeroize(bobSifted)
	domain.Zeroize(remaining)

	return &Result{
		Key:        key,
		KeyID:      uuid.NewString(),
		QBER:       qber,
		SiftedBits: len(siftedIdx),
	}, nil
}

// Sift は送受信の基底列を比較し、一致した位置のインデックス集合を返す。
func Sift(senderBases, receiverBases []Basis) []int {
	idx := make([]int, 0, len(senderBases)/2)
	for i := range senderBases {
		if senderBases[i] == receiverBases[i] {
			idx = append(idx, i)
		}
	}
	return idx
}

// measure は量子チャネルの伝送と受信側の測定をシミュレートする。
// 基底一致なら送信ビットが（雑音による反転を除き）そのまま観測され、
// 不一致なら一様ランダムな結果になる。Eavesdropが有効な場合、Eveが
// ランダム基底で全量子ビットを測定して再送するため、基底一致位置でも
// 約25%の誤りが生じる。
func (s *Simulator) measure(bits []byte, senderBases, receiverBases []Basis) ([]byte, error) {
	transmitted := bits
	transmittedBases := senderBases

	if s.eavesdrop {
		eveBases, err := s.randomBases(len(bits))
		if err != nil {
			return nil, err
		}
		eveBits := make([]byte, len(bits))
		for i := range bits {
			if eveBases[i] == senderBases[i] {
				eveBits[i] = bits[i]
			} else {
				b, err := s.randomBit()
				if err != nil {
					return nil, err
				}
				eveBits[i] = b
			}
		}
		// Eveが測定後の状態を再送するため、以降の基底比較はEveの基底に対して行われる
		transmitted = eveBits
		transmittedBases = eveBases
	}

	received := make([]byte, len(transmitted))
	for i := range transmitted {
		if receiverBases[i] == transmittedBases[i] {
			bit := transmitted[i]
			if s.noiseRate > 0 {
				flip, err := s.randomFloat()
				if err != nil {
					return nil, err
				}
				if flip < s.noiseRate {
					bit ^= 1
				}
			}
			received[i] = bit
		} else {
			b, err := s.randomBit()
			if err != nil {
				return nil, err
			}
			received[i] = b
		}
	}
	return received, nil
}

// sampleIndices は[0, n)から互いに異なるcount個のインデックスを選ぶ。
func (s *Simulator) sampleIndices(n, count int) ([]int, error) {
	chosen := make(map[int]struct{}, count)
	idx := make([]int, 0, count)
	for len(idx) < count {
		v, err := s.randomInt(n)
		if err != nil {
			return nil, err
		}
		if _, ok := chosen[v]; ok {
			continue
		}
		chosen[v] = struct{}{}
		idx = append(idx, v)
	}
	return idx, nil
}

// privacyAmplify はふるい分け後のビット列をHKDF-SHA256で圧縮し、
// 一様分布の最終鍵を生成する。盗聴者が部分情報を得ていた場合でも、
// 一方向圧縮によりその情報を除去する。
func privacyAmplify(bits []byte, keyLength int) ([]byte, error) {
	packed := packBits(bits)
	defer domain.Zeroize(packed)

	reader := hkdf.New(sha256.New, packed, nil, []byte(hkdfInfo))
	key := make([]byte, keyLength)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// packBits は0/1のビット列をバイト列に詰める。端数ビットは上位詰め。
func packBits(bits []byte) []byte {
	out := make([]byte, (len(bits)+7)/8)
	for i, b := range bits {
		if b != 0 {
			out[i/8] |= 1 << (7 - uint(i%8))
		}
	}
	return out
}

// pick はインデックス集合に対応する要素を取り出す。
func pick(bits []byte, idx []int) []byte {
	out := make([]byte, len(idx))
	for i, j := range idx {
		out[i] = bits[j]
	}
	return out
}

// exclude はインデックス集合に含まれない要素のみを残す。
func exclude(bits []byte, idx []int) []byte {
	drop := make(map[int]struct{}, len(idx))
	for _, i := range idx {
		drop[i] = struct{}{}
	}
	out := make([]byte, 0, len(bits)-len(idx))
	for i, b := range bits {
		if _, ok := drop[i]; !ok {
			out = append(out, b)
		}
	}
	return out
}

func (s *Simulator) randomBits(n int) ([]byte, error) {
	buf := make([]byte, (n+7)/8)
	if _, err := io.ReadFull(s.rand, buf); err != nil {
		return nil, err
	}
	bits := make([]byte, n)
	for i := range bits {
		bits[i] = (buf[i/8] >> (7 - uint(i%8))) & 1
	}
	domain.Zeroize(buf)
	return bits, nil
}

func (s *Simulator) randomBases(n int) ([]Basis, error) {
	bits, err := s.randomBits(n)
	if err != nil {
		return nil, err
	}
	bases := make([]Basis, n)
	for i, b := range bits {
		bases[i] = Basis(b)
	}
	return bases, nil
}

func (s *Simulator) randomBit() (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(s.rand, buf[:]); err != nil {
		return 0, err
	}
	return buf[0] & 1, nil
}

func (s *Simulator) randomFloat() (float64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(s.rand, buf[:]); err != nil {
		return 0, err
	}
	return float64(binary.BigEndian.Uint64(buf[:])) / float64(1<<63) / 2, nil
}

// randomInt は[0, n)の一様乱数を返す。剰余の偏りは棄却法で除去する。
func (s *Simulator) randomInt(n int) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("randomInt: n must be positive")
	}
	max := uint64(n)
	limit := (1 << 32 / max) * max
	for {
		var buf [4]byte
		if _, err := io.ReadFull(s.rand, buf[:]); err != nil {
			return 0, err
		}
		v := uint64(binary.BigEndian.Uint32(buf[:]))
		if v < limit {
			return int(v % max), nil
		}
	}
}
