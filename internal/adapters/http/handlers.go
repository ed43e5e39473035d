package http

import (
	"context"
	"encoding/hex"

	"github.com/gofiber/fiber/v2"

	"github.com/mlscore/core/internal/adapters/store/sqlitestore"
	"github.com/mlscore/core/internal/domain/group"
	"github.com/mlscore/core/internal/domain/identity"
)

// Deps wires the read-only collaborators the debug surface queries.
// Every field is a concrete adapter type rather than a narrow interface:
// this package is the composition root's introspection layer, not a
// domain package other code depends on, so there is no substitution
// seam to preserve.
type Deps struct {
	Groups       *sqlitestore.GroupRepository
	Messages     *sqlitestore.MessageRepository
	LocalCommits *sqlitestore.CommitLogRepository
	ForkStatus   *sqlitestore.ForkStatusRepository
	Identity     *identity.Syncer
	IdentityLog  identity.UpdateStore
	Engine       *identity.Engine
	Version      string
}

type handlers struct{ deps Deps }

func groupIDParam(c *fiber.Ctx) ([]byte, error) {
	raw := c.Params("group_id")

	id, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fiber.NewError(fiber.StatusBadRequest, "group_id must be hex-encoded")
	}

	return id, nil
}

// health reports liveness without touching the store.
func (h *handlers) health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// version reports the build version string the caller configured.
func (h *handlers) version(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"version": h.deps.Version})
}

// epoch reports a group's latest locally-recorded commit sequence id as
// an epoch proxy: the MLS tree's cryptographic epoch counter itself is
// owned by the (out-of-scope) MLS library, but the local commit log's
// high-water mark advances in lockstep with it, which is what this
// debug accessor exists to expose.
func (h *handlers) epoch(c *fiber.Ctx) error {
	groupID, err := groupIDParam(c)
	if err != nil {
		return err
	}

	entries, err := h.deps.LocalCommits.ForGroup(c.UserContext(), groupID)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}

	var epoch uint64
	for _, e := range entries {
		if e.CommitSequenceID > epoch {
			epoch = e.CommitSequenceID
		}
	}

	return c.JSON(fiber.Map{"group_id": c.Params("group_id"), "epoch": epoch})
}

// forkStatus reports the sticky fork verdict recorded for a group.
func (h *handlers) forkStatus(c *fiber.Ctx) error {
	groupID, err := groupIDParam(c)
	if err != nil {
		return err
	}

	status, err := h.deps.ForkStatus.Get(c.UserContext(), groupID)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}

	return c.JSON(fiber.Map{"known": status.Known, "forked": status.Value})
}

// installationDiff reports, for every member inbox of a group, the
// installations that would be added or removed to bring the group's
// last-synced membership extension up to each inbox's current
// association state (§4.6.2).
func (h *handlers) installationDiff(c *fiber.Ctx) error {
	groupID, err := groupIDParam(c)
	if err != nil {
		return err
	}

	ctx := c.UserContext()

	storedGroup, err := h.deps.Groups.FindByID(ctx, groupID)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}

	if storedGroup == nil {
		return fiber.NewError(fiber.StatusNotFound, "no such group")
	}

	newMembership := group.MembershipExtension{}

	for inboxID := range storedGroup.Membership {
		state, err := h.deps.Identity.GetAssociationState(ctx, inboxID, 0)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}

		newMembership[inboxID] = state.SequenceID
	}

	lookup := &associationDiffLookup{engine: h.deps.Engine, store: h.deps.IdentityLog}

	diff, err := group.ExpectedInstallationDiff(storedGroup.Membership, newMembership, lookup)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}

	return c.JSON(fiber.Map{"added": diff.Added, "removed": diff.Removed})
}

// conversations lists every tracked group as a ConversationSummary,
// deduplicated across DM stitching, ordered by recency is left to the
// caller (§4.6.6's DedupeConversations does not sort).
func (h *handlers) conversations(c *fiber.Ctx) error {
	ctx := c.UserContext()

	ids, err := h.deps.Groups.ListGroupIDs(ctx)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}

	summaries, err := h.loadSummaries(ctx, ids)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}

	return c.JSON(group.DedupeConversations(summaries))
}

func (h *handlers) loadSummaries(ctx context.Context, ids [][]byte) ([]group.ConversationSummary, error) {
	summaries := make([]group.ConversationSummary, 0, len(ids))

	for _, id := range ids {
		stored, err := h.deps.Groups.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}

		if stored == nil {
			continue
		}

		lastAt, err := h.deps.Messages.LastMessageAtNs(ctx, id)
		if err != nil {
			return nil, err
		}

		summaries = append(summaries, group.ConversationSummary{
			GroupID:         stored.GroupID,
			IsDMGroup:       stored.IsDMGroup,
			DMID:            stored.DMID,
			LastMessageAtNs: lastAt,
		})
	}

	return summaries, nil
}
