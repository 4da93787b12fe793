package outbox

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/MarkoPoloResearchLab/printledger/pkg/ledger"
)

// PrintRequest is the part of a job that chunking looks at.
type PrintRequest struct {
	Documents  []Document
	Options    map[string]string
	Cost       decimal.Decimal
	ByDocument bool
}

// ChunkRange is a page range tagged with its source document.
type ChunkRange struct {
	DocumentRef string
	PageRange
}

// Chunk is a contiguous part of a print request that shares media and media source.
type Chunk struct {
	Index     int
	Ranges    []ChunkRange
	Options   map[string]string
	PageCount int
	Cost      decimal.Decimal
}

// DocumentRefs returns the distinct documents of the chunk in order.
func (chunk Chunk) DocumentRefs() []string {
	var refs []string
	for _, chunkRange := range chunk.Ranges {
		if len(refs) == 0 || refs[len(refs)-1] != chunkRange.DocumentRef {
			refs = append(refs, chunkRange.DocumentRef)
		}
	}
	return refs
}

type mediaPair struct {
	media  string
	source string
}

func (pair mediaPair) options() map[string]string {
	overrides := make(map[string]string, 2)
	if pair.media != "" {
		overrides[OptionMedia] = pair.media
	}
	if pair.source != "" {
		overrides[OptionMediaSource] = pair.source
	}
	return overrides
}

// ChunkRequest splits a request into ordered chunks. With ByDocument every
// source document is one chunk. Otherwise a new chunk starts whenever the
// effective (media, media source) of a page range differs from the previous
// range; equal pairs further apart are not merged. The request cost is split
// across chunks by page count.
func ChunkRequest(request PrintRequest) ([]Chunk, error) {
	if len(request.Documents) == 0 {
		return nil, fmt.Errorf("%w: no documents", ErrInvalidJob)
	}
	var chunks []Chunk
	var current mediaPair
	for _, document := range request.Documents {
		if len(document.Ranges) == 0 {
			return nil, fmt.Errorf("%w: document %q has no page ranges", ErrInvalidJob, document.Ref)
		}
		if request.ByDocument {
			chunks = append(chunks, Chunk{Index: len(chunks)})
		}
		for index, pageRange := range document.Ranges {
			if pageRange.First < 1 || pageRange.Last < pageRange.First {
				return nil, fmt.Errorf("%w: document %q range %d is %d-%d", ErrInvalidJob, document.Ref, index, pageRange.First, pageRange.Last)
			}
			pair := effectivePair(request.Options, pageRange)
			if !request.ByDocument && (len(chunks) == 0 || pair != current) {
				chunks = append(chunks, Chunk{Index: len(chunks), Options: pair.options()})
				current = pair
			}
			last := &chunks[len(chunks)-1]
			last.Ranges = append(last.Ranges, ChunkRange{DocumentRef: document.Ref, PageRange: pageRange})
			last.PageCount += pageRange.Pages()
		}
	}
	if request.ByDocument {
		for index := range chunks {
			chunks[index].Options = uniformOptions(request.Options, chunks[index].Ranges)
		}
	}
	weights := make([]int64, len(chunks))
	for index, chunk := range chunks {
		weights[index] = int64(chunk.PageCount)
	}
	costs, err := ledger.WeightedAmounts(request.Cost, weights, ledger.MoneyScale)
	if err != nil {
		return nil, err
	}
	for index := range chunks {
		chunks[index].Cost = costs[index]
	}
	return chunks, nil
}

func effectivePair(options map[string]string, pageRange PageRange) mediaPair {
	pair := mediaPair{media: options[OptionMedia], source: options[OptionMediaSource]}
	if pageRange.Media != "" {
		pair.media = pageRange.Media
	}
	if pageRange.MediaSource != "" {
		pair.source = pageRange.MediaSource
	}
	return pair
}

// uniformOptions returns the media overrides of a per-document chunk when all
// of its ranges agree, and none otherwise.
func uniformOptions(options map[string]string, ranges []ChunkRange) map[string]string {
	first := effectivePair(options, ranges[0].PageRange)
	for _, chunkRange := range ranges[1:] {
		if effectivePair(options, chunkRange.PageRange) != first {
			return map[string]string{}
		}
	}
	return first.options()
}
