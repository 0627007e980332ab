package rooms

// DiscoFeatures is the set of MUC configuration feature strings a
// disco#info query reports for a room (e.g. "muc_membersonly",
// "muc_nonanonymous", "muc_persistent", "muc_public", "muc_open"). Only the
// features spec §4.3's classification rule names are consulted; everything
// else is carried in RoomFeatures separately.
type DiscoFeatures map[string]struct{}

func NewDiscoFeatures(features ...string) DiscoFeatures {
	set := make(DiscoFeatures, len(features))
	for _, f := range features {
		set[f] = struct{}{}
	}
	return set
}

func (d DiscoFeatures) has(feature string) bool {
	_, ok := d[feature]
	return ok
}

const (
	featureMembersOnly = "muc_membersonly"
	featureNonAnon     = "muc_nonanonymous"
	featurePersistent  = "muc_persistent"
	featurePublic      = "muc_public"
	featureOpen        = "muc_open"
)

// Classify derives a RoomType from a room's disco-info feature set, testing
// specs in most-restrictive-first order per spec §4.3: Group, then
// PrivateChannel, then PublicChannel, else Generic. Classification is a
// pure function of the feature set — calling it twice on the same input
// yields the same Kind, satisfying the room-classification-stability
// property of spec §8.
//
// Group and PrivateChannel share the same four features (members-only,
// non-anonymous, persistent, non-public); the source distinguishes them by
// how the room was created (Group rooms are the deterministic-hash instant
// rooms of the create-or-join protocol) rather than by disco features
// alone, so callers that already know a room was created via Create::Group
// should call ClassifyCreated instead of relying on disco features to
// recover that distinction.
func Classify(features DiscoFeatures) Kind {
	membersOnly := features.has(featureMembersOnly)
	nonAnon := features.has(featureNonAnon)
	persistent := features.has(featurePersistent)
	public := features.has(featurePublic)
	open := features.has(featureOpen)

	switch {
	case membersOnly && nonAnon && persistent && !public:
		return PrivateChannel
	case public && open:
		return PublicChannel
	default:
		return Generic
	}
}

// ClassifyCreated is used immediately after a successful Create-or-join
// request, where the caller already knows which CreateRoomType was
// requested and so does not need to recover Group vs PrivateChannel from
// disco features alone (see Classify's doc comment).
func ClassifyCreated(requested CreateRoomType, features DiscoFeatures) Kind {
	if requested == CreateGroup {
		return Group
	}
	return Classify(features)
}

// ApplyClassification sets a room's kind from its current disco features,
// respecting the Unknown-transitions-once invariant via Room.SetKind.
func ApplyClassification(room *Room, features DiscoFeatures) {
	room.SetKind(Classify(features))
}
