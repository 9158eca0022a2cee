package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewMessageIDSortable(t *testing.T) {
	a := NewMessageID()
	require.True(t, strings.HasPrefix(a, "msg_"))
	require.Len(t, a, len("msg_")+26)
	b := NewMessageID()
	require.Less(t, a, b)
}

func TestParseIDList(t *testing.T) {
	ids, err := ParseIDList(" 3, 1,,2 ")
	require.NoError(t, err)
	require.Equal(t, []int64{3, 1, 2}, ids)

	ids, err = ParseIDList("")
	require.NoError(t, err)
	require.Empty(t, ids)

	_, err = ParseIDList("1,x")
	require.Error(t, err)
}

func TestNormalizePhone(t *testing.T) {
	require.Equal(t, "+66812345678", NormalizePhone(" +66 (81) 234-5678 "))
}

func TestNowUTCMicrosecondPrecision(t *testing.T) {
	now := NowUTC()
	require.Equal(t, 0, now.Nanosecond()%1000)
	require.Equal(t, "UTC", now.Location().String())
}
