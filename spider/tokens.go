package spider

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	gallerycache "github.com/wolfeidau/gallery-cache"
	"github.com/wolfeidau/gallery-cache/download"
	"github.com/wolfeidau/gallery-cache/telemetry"
)

// listingAttempts is the number of listing fetches tried before falling back
// to the multi-page viewer.
const listingAttempts = 2

// resolveToken returns the fetch token of page index, looking it up in the
// descriptor, then on the listing page expected to reveal it, then in the
// multi-page viewer. A page whose token could not be resolved fails fast
// until its failure is cleared.
func (c *Coordinator) resolveToken(ctx context.Context, info *Descriptor, index int) (string, error) {
	if token, ok := info.PageToken(index); ok {
		telemetry.RecordTokenResolution(ctx, "descriptor", "success")
		return token, nil
	}
	if info.tokenFailed(index) {
		return "", fmt.Errorf("%w: page %d", gallerycache.ErrTokenResolution, index)
	}

	var listingErr error
	for range listingAttempts {
		token, err := c.tokenFromListing(ctx, info, index)
		if err == nil {
			telemetry.RecordTokenResolution(ctx, "listing", "success")
			return token, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		telemetry.RecordTokenResolution(ctx, "listing", "error")
		listingErr = err
	}

	token, err := c.tokenFromViewer(ctx, info, index)
	if err == nil {
		telemetry.RecordTokenResolution(ctx, "viewer", "success")
		return token, nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	telemetry.RecordTokenResolution(ctx, "viewer", "error")

	info.markTokenFailed(index)
	c.logger.Warn("failed to resolve page token", "index", index, "error", err)
	return "", fmt.Errorf("%w: page %d: %w", gallerycache.ErrTokenResolution, index, errors.Join(listingErr, err))
}

// tokenFromListing fetches the listing page expected to reveal page index
// and merges what it reveals. Concurrent lookups of the same listing page
// share one fetch.
func (c *Coordinator) tokenFromListing(ctx context.Context, info *Descriptor, index int) (string, error) {
	p := info.ListingPageFor(index)
	_, _, err := download.Do(ctx, c.listings, "listing:"+strconv.Itoa(p), func(ctx context.Context) (struct{}, error) {
		l, err := c.source.FetchListing(ctx, c.gallery, p)
		if err != nil {
			return struct{}{}, err
		}
		info.MergeListing(p, l)
		c.logger.Debug("fetched listing page", "listing_page", p, "tokens", len(l.Entries))
		return struct{}{}, nil
	})
	if err != nil {
		return "", err
	}
	if token, ok := info.PageToken(index); ok {
		return token, nil
	}
	return "", fmt.Errorf("page %d not revealed by listing page %d", index, p)
}

// tokenFromViewer fetches every token from the multi-page viewer.
func (c *Coordinator) tokenFromViewer(ctx context.Context, info *Descriptor, index int) (string, error) {
	_, _, err := download.Do(ctx, c.listings, "viewer", func(ctx context.Context) (struct{}, error) {
		tokens, err := c.source.FetchViewerTokens(ctx, c.gallery)
		if err != nil {
			return struct{}{}, err
		}
		info.MergeTokens(tokens)
		return struct{}{}, nil
	})
	if err != nil {
		return "", err
	}
	if token, ok := info.PageToken(index); ok {
		return token, nil
	}
	return "", fmt.Errorf("page %d not revealed by the multi-page viewer", index)
}
