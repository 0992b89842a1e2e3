package ingest

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/h4shkid/ClickCreateProjects-sub003/ledger"
)

// Standard is the declared token standard of an indexed contract.
// Autodetection is out of scope; the caller states what it registered.
type Standard string

const (
	ERC721  Standard = "erc721"
	ERC1155 Standard = "erc1155"
)

// Event signatures the normalizer understands.
var (
	// Transfer(address indexed from, address indexed to, uint256 indexed tokenId)
	topicTransfer = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")
	// TransferSingle(address indexed operator, address indexed from, address indexed to, uint256 id, uint256 value)
	topicTransferSingle = common.HexToHash("0xc3d58168c5ae7397731d063d5bbf3d657854427343f4c083240f7aacaa2d0f62")
	// TransferBatch(address indexed operator, address indexed from, address indexed to, uint256[] ids, uint256[] values)
	topicTransferBatch = common.HexToHash("0x4a39dc06d4c0dbc64b70af90fd698a233a518aa5d07e595d983b8c0526c8f7fb")
)

var (
	// ErrNotTransfer marks logs that are not an NFT transfer for the
	// declared standard (including ERC-20-shaped Transfer logs).
	ErrNotTransfer = errors.New("ingest: log is not an NFT transfer")
	// ErrMalformedLog marks transfer logs whose payload cannot be
	// decoded; the log is rejected whole, never partially expanded.
	ErrMalformedLog = errors.New("ingest: malformed transfer log")
)

// TopicsFor returns the getLogs topic filter for a declared standard.
func TopicsFor(std Standard) [][]common.Hash {
	switch std {
	case ERC1155:
		return [][]common.Hash{{topicTransferSingle, topicTransferBatch}}
	default:
		return [][]common.Hash{{topicTransfer}}
	}
}

// Normalize decodes one raw log into canonical transfer events. ERC-721
// transfers and ERC-1155 single transfers yield exactly one event; an
// ERC-1155 batch log expands into one event per (id, value) pair, all
// sharing the log's index and distinguished by ExpansionIndex. Addresses
// are lowercased so later comparisons never depend on checksum casing.
func Normalize(lg types.Log, std Standard, blockTime uint64) ([]ledger.TransferEvent, error) {
	if len(lg.Topics) == 0 {
		return nil, ErrNotTransfer
	}
	base := ledger.TransferEvent{
		Contract:       lowerAddr(lg.Address),
		Kind:           ledger.KindSingle,
		Amount:         big.NewInt(1),
		BlockNumber:    lg.BlockNumber,
		BlockTimestamp: blockTime,
		TxHash:         strings.ToLower(lg.TxHash.Hex()),
		LogIndex:       uint32(lg.Index),
	}

	switch lg.Topics[0] {
	case topicTransfer:
		if std != ERC721 {
			return nil, ErrNotTransfer
		}
		// Three topics is the ERC-20 shape (value in data, nothing
		// indexed beyond the addresses); not an NFT transfer.
		if len(lg.Topics) != 4 {
			return nil, ErrNotTransfer
		}
		base.From = topicAddr(lg.Topics[1])
		base.To = topicAddr(lg.Topics[2])
		base.TokenID = new(big.Int).SetBytes(lg.Topics[3][:])
		return []ledger.TransferEvent{base}, nil

	case topicTransferSingle:
		if std != ERC1155 {
			return nil, ErrNotTransfer
		}
		if len(lg.Topics) != 4 || len(lg.Data) < 64 {
			return nil, fmt.Errorf("%w: TransferSingle with %d topics, %d data bytes",
				ErrMalformedLog, len(lg.Topics), len(lg.Data))
		}
		base.Operator = topicAddr(lg.Topics[1])
		base.From = topicAddr(lg.Topics[2])
		base.To = topicAddr(lg.Topics[3])
		base.TokenID = new(big.Int).SetBytes(lg.Data[:32])
		base.Amount = new(big.Int).SetBytes(lg.Data[32:64])
		return []ledger.TransferEvent{base}, nil

	case topicTransferBatch:
		if std != ERC1155 {
			return nil, ErrNotTransfer
		}
		if len(lg.Topics) != 4 {
			return nil, fmt.Errorf("%w: TransferBatch with %d topics", ErrMalformedLog, len(lg.Topics))
		}
		ids, values, err := decodeBatchArrays(lg.Data)
		if err != nil {
			return nil, err
		}
		base.Kind = ledger.KindBatch
		base.Operator = topicAddr(lg.Topics[1])
		base.From = topicAddr(lg.Topics[2])
		base.To = topicAddr(lg.Topics[3])
		events := make([]ledger.TransferEvent, len(ids))
		for i := range ids {
			e := base
			e.TokenID = ids[i]
			e.Amount = values[i]
			e.ExpansionIndex = uint32(i)
			events[i] = e
		}
		return events, nil
	}
	return nil, ErrNotTransfer
}

// decodeBatchArrays unpacks the two uint256[] arguments of TransferBatch.
// Data layout: offset(ids) | offset(values) | len(ids) | ids... |
// len(values) | values... . The payload is contract-controlled, so every
// offset and length is capped against len(data) before any arithmetic;
// sums that could wrap uint64 are never formed.
func decodeBatchArrays(data []byte) (ids, values []*big.Int, err error) {
	n := uint64(len(data))
	if n < 128 {
		return nil, nil, fmt.Errorf("%w: TransferBatch data too short (%d bytes)", ErrMalformedLog, len(data))
	}
	idsOff, ok1 := wordUint(data[:32])
	valsOff, ok2 := wordUint(data[32:64])
	if !ok1 || !ok2 || idsOff > n-32 || valsOff > n-32 {
		return nil, nil, fmt.Errorf("%w: TransferBatch offsets out of bounds", ErrMalformedLog)
	}
	idsLen, ok1 := wordUint(data[idsOff : idsOff+32])
	valsLen, ok2 := wordUint(data[valsOff : valsOff+32])
	if !ok1 || !ok2 {
		return nil, nil, fmt.Errorf("%w: TransferBatch array length out of bounds", ErrMalformedLog)
	}
	if idsLen != valsLen {
		return nil, nil, fmt.Errorf("%w: TransferBatch ids/values length mismatch (%d vs %d)",
			ErrMalformedLog, idsLen, valsLen)
	}
	if idsLen == 0 {
		return nil, nil, fmt.Errorf("%w: TransferBatch has no items", ErrMalformedLog)
	}
	if idsLen > (n-idsOff-32)/32 || valsLen > (n-valsOff-32)/32 {
		return nil, nil, fmt.Errorf("%w: TransferBatch arrays truncated", ErrMalformedLog)
	}
	ids = make([]*big.Int, idsLen)
	values = make([]*big.Int, valsLen)
	for i := uint64(0); i < idsLen; i++ {
		ids[i] = new(big.Int).SetBytes(data[idsOff+32+i*32 : idsOff+64+i*32])
		values[i] = new(big.Int).SetBytes(data[valsOff+32+i*32 : valsOff+64+i*32])
	}
	return ids, values, nil
}

// wordUint reads one 32-byte ABI word as uint64, reporting false when the
// value does not fit.
func wordUint(w []byte) (uint64, bool) {
	v := new(big.Int).SetBytes(w)
	if !v.IsUint64() {
		return 0, false
	}
	return v.Uint64(), true
}

func topicAddr(t common.Hash) string {
	return lowerAddr(common.BytesToAddress(t[:]))
}

func lowerAddr(a common.Address) string {
	return strings.ToLower(a.Hex())
}
