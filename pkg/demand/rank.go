package demand

import (
	"context"
	"iter"
)

// RankQueue yields at most limit products ordered by urgency, then velocity descending, then key.
// Pages are fetched lazily; ranging over the sequence again starts from the top.
func (service *Service) RankQueue(ctx context.Context, limit int) iter.Seq2[RankedProduct, error] {
	return func(yield func(RankedProduct, error) bool) {
		remaining := limit
		var cursor RankCursor
		var offset int64
		for remaining > 0 {
			pageSize := min(service.rankPageSize, remaining)
			page, err := service.rankPage(ctx, cursor, offset, pageSize)
			if err != nil {
				yield(RankedProduct{}, err)
				return
			}
			for _, ranked := range page {
				if !yield(ranked, nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
			remaining -= len(page)
			offset += int64(len(page))
			last := page[len(page)-1]
			cursor = RankCursor{Urgency: last.Urgency, VelocityScore: last.VelocityScore, ProductKey: last.ProductKey}
		}
	}
}

func (service *Service) rankPage(ctx context.Context, cursor RankCursor, offset int64, pageSize int) ([]RankedProduct, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if service.rankIndex != nil {
		return service.rankIndex.Page(ctx, offset, int64(pageSize))
	}
	return service.store.ListRanked(ctx, cursor, pageSize)
}

// CollectRanked drains a ranked sequence into a slice.
func CollectRanked(sequence iter.Seq2[RankedProduct, error]) ([]RankedProduct, error) {
	var products []RankedProduct
	for ranked, err := range sequence {
		if err != nil {
			return products, err
		}
		products = append(products, ranked)
	}
	return products, nil
}
